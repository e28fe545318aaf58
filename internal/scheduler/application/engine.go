package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	commands "feeder-cloud/internal/commands/domain"
	"feeder-cloud/internal/observability/metrics"
	schedule "feeder-cloud/internal/scheduler/domain"
)

// Dispatcher enqueues the feed command a fired schedule produces.
type Dispatcher interface {
	DispatchFeed(ctx context.Context, deviceID string, portion float64, source string) error
}

// ActivitySource answers "has this device been fed since t". The command
// queue's durable history backs it, so the answer survives restarts.
type ActivitySource interface {
	RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error)
}

// Trigger describes one schedule firing.
type Trigger struct {
	ScheduleID  int64     `json:"schedule_id"`
	DeviceID    string    `json:"device_id"`
	PortionSize float64   `json:"portion_size"`
	At          time.Time `json:"at"`
}

// Engine evaluates feeding schedules and fires each at most once per
// schedule-minute. Two layers enforce that: a TTL cache keyed by
// (schedule, local minute), and a cross-check against durable feed history
// for the cache-lost-on-restart case.
type Engine struct {
	schedules  schedule.Store
	dispatcher Dispatcher
	activity   ActivitySource
	cache      *dedupCache
	cfg        Config
	logger     *log.Logger
}

// NewEngine constructs an Engine.
func NewEngine(schedules schedule.Store, dispatcher Dispatcher, activity ActivitySource, cfg Config, logger *log.Logger) (*Engine, error) {
	if schedules == nil {
		return nil, errors.New("scheduler: nil schedule store")
	}
	if dispatcher == nil {
		return nil, errors.New("scheduler: nil dispatcher")
	}
	return &Engine{
		schedules:  schedules,
		dispatcher: dispatcher,
		activity:   activity,
		cache:      newDedupCache(),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Evaluate runs one pass over every enabled schedule. Within one pass the
// first matching schedule per device wins; later ones wait for their own
// minute. Evaluation never returns an error for a single bad schedule; it
// logs and moves on.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) []Trigger {
	metrics.IncScheduleEvaluation()
	list, err := e.schedules.ListEnabled(ctx)
	if err != nil {
		e.printf("schedule list error: %v", err)
		return nil
	}

	var triggered []Trigger
	fired := make(map[string]struct{})
	for _, s := range list {
		if _, done := fired[s.DeviceID]; done {
			continue
		}
		trigger, ok := e.evaluateOne(ctx, s, now)
		if !ok {
			continue
		}
		fired[s.DeviceID] = struct{}{}
		triggered = append(triggered, trigger)
	}
	return triggered
}

// CheckDevice evaluates schedules for one device, used by the firmware
// check endpoint. It goes through the same dedup path as Evaluate, so the
// poll loop and the server loop never double-fire a schedule. The device's
// full schedule snapshot is returned regardless of the trigger outcome.
func (e *Engine) CheckDevice(ctx context.Context, deviceID string, now time.Time) (*Trigger, []schedule.Schedule, error) {
	if deviceID == "" {
		return nil, nil, errors.New("scheduler: device_id required")
	}
	list, err := e.schedules.List(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range list {
		if !s.Enabled {
			continue
		}
		if trigger, ok := e.evaluateOne(ctx, s, now); ok {
			return &trigger, list, nil
		}
	}
	return nil, list, nil
}

// evaluateOne applies the window, cache, and durable checks to a single
// schedule and dispatches when all pass.
func (e *Engine) evaluateOne(ctx context.Context, s schedule.Schedule, now time.Time) (Trigger, bool) {
	local := now.In(e.cfg.Location())
	if !s.RunsOn(local.Format("Mon")) {
		return Trigger{}, false
	}
	hour, minute, err := s.HourMinute()
	if err != nil {
		e.printf("schedule %d skipped: %v", s.ID, err)
		return Trigger{}, false
	}

	scheduledAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, e.cfg.Location())
	elapsed := local.Sub(scheduledAt)
	if elapsed < 0 || elapsed > e.cfg.TriggerWindow {
		return Trigger{}, false
	}

	key := fmt.Sprintf("schedule-%d-%s", s.ID, scheduledAt.Format("2006-01-02-15:04"))
	if !e.cache.Add(key, now, e.cfg.DedupTTL) {
		metrics.IncScheduleTrigger("dedup_cache")
		return Trigger{}, false
	}

	// The cache is process-local. After a restart the durable feed history
	// is the only witness that this minute already fired.
	if e.activity != nil {
		since := scheduledAt.UTC()
		if lb := e.cfg.ActivityLookback; lb > 0 {
			if earlier := now.UTC().Add(-lb); earlier.Before(since) {
				since = earlier
			}
		}
		times, err := e.activity.RecentFeedTimes(ctx, s.DeviceID, since)
		if err != nil {
			e.printf("schedule %d activity check failed: %v", s.ID, err)
		}
		for _, t := range times {
			if !t.Before(scheduledAt.UTC()) {
				metrics.IncScheduleTrigger("already_fed")
				return Trigger{}, false
			}
		}
	}

	if err := e.dispatcher.DispatchFeed(ctx, s.DeviceID, s.PortionSize, "schedule"); err != nil {
		var conflict *commands.ConflictError
		if errors.As(err, &conflict) {
			// An equivalent command is already live; the feed is covered.
			metrics.IncScheduleTrigger("conflict")
			return Trigger{}, false
		}
		// The dispatch is best-effort: the trigger is still reported so a
		// polling device can act on it even when the queue write failed.
		metrics.IncScheduleTrigger(metrics.ResultError)
		e.printf("schedule %d dispatch failed: device=%s err=%v", s.ID, s.DeviceID, err)
		return Trigger{
			ScheduleID:  s.ID,
			DeviceID:    s.DeviceID,
			PortionSize: s.PortionSize,
			At:          scheduledAt.UTC(),
		}, true
	}

	metrics.IncScheduleTrigger("dispatched")
	e.printf("schedule fired: id=%d device=%s portion=%.1f at=%s",
		s.ID, s.DeviceID, s.PortionSize, scheduledAt.Format("15:04"))
	return Trigger{
		ScheduleID:  s.ID,
		DeviceID:    s.DeviceID,
		PortionSize: s.PortionSize,
		At:          scheduledAt.UTC(),
	}, true
}

func (e *Engine) printf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
