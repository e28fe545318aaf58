package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "feeder_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandEnqueued  *prometheus.CounterVec
	commandConflicts prometheus.Counter
	commandResults   *prometheus.CounterVec
	commandSwept     prometheus.Counter

	fetchRequests *prometheus.CounterVec

	scheduleEvaluations prometheus.Counter
	scheduleTriggers    *prometheus.CounterVec

	heartbeats      prometheus.Counter
	feedLogsWritten prometheus.Counter

	httpLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandEnqueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total enqueued commands by kind",
			},
			[]string{"kind"},
		)
		commandConflicts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_conflicts_total",
				Help: "Total enqueue attempts rejected with a conflict",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command terminal transitions by status",
			},
			[]string{"status"},
		)
		commandSwept = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_swept_total",
				Help: "Total stale commands failed by the reaper",
			},
		)

		fetchRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_next_total",
				Help: "Total device poll fetches by result",
			},
			[]string{"result"},
		)

		scheduleEvaluations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_evaluations_total",
				Help: "Total schedule trigger evaluations",
			},
		)
		scheduleTriggers = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_triggers_total",
				Help: "Total schedule trigger decisions by result",
			},
			[]string{"result"},
		)

		heartbeats = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeats_total",
				Help: "Total device heartbeats recorded",
			},
		)
		feedLogsWritten = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_logs_total",
				Help: "Total feeding log entries recorded",
			},
		)

		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_latency_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			commandEnqueued,
			commandConflicts,
			commandResults,
			commandSwept,
			fetchRequests,
			scheduleEvaluations,
			scheduleTriggers,
			heartbeats,
			feedLogsWritten,
			httpLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandEnqueued increments the enqueued command counter.
func IncCommandEnqueued(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if commandEnqueued != nil {
		commandEnqueued.WithLabelValues(kind).Inc()
	}
}

// IncCommandConflict increments the enqueue conflict counter.
func IncCommandConflict() {
	if commandConflicts != nil {
		commandConflicts.Inc()
	}
}

// IncCommandResult increments the terminal transition counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// AddCommandsSwept increments the reaper counter by count.
func AddCommandsSwept(count int) {
	if count <= 0 {
		return
	}
	if commandSwept != nil {
		commandSwept.Add(float64(count))
	}
}

// IncFetchNext increments the device poll counter.
func IncFetchNext(result string) {
	if result == "" {
		result = "empty"
	}
	if fetchRequests != nil {
		fetchRequests.WithLabelValues(result).Inc()
	}
}

// IncScheduleEvaluation increments the evaluation counter.
func IncScheduleEvaluation() {
	if scheduleEvaluations != nil {
		scheduleEvaluations.Inc()
	}
}

// IncScheduleTrigger increments the trigger decision counter.
func IncScheduleTrigger(result string) {
	if result == "" {
		result = "skipped"
	}
	if scheduleTriggers != nil {
		scheduleTriggers.WithLabelValues(result).Inc()
	}
}

// IncHeartbeat increments the heartbeat counter.
func IncHeartbeat() {
	if heartbeats != nil {
		heartbeats.Inc()
	}
}

// IncFeedLog increments the feeding log counter.
func IncFeedLog() {
	if feedLogsWritten != nil {
		feedLogsWritten.Inc()
	}
}

// ObserveHTTP records request latency by result.
func ObserveHTTP(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
