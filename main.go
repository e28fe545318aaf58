package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"feeder-cloud/internal/audit"
	"feeder-cloud/internal/auth"
	commandsapp "feeder-cloud/internal/commands/application"
	commands "feeder-cloud/internal/commands/domain"
	commandsmem "feeder-cloud/internal/commands/infrastructure/memory"
	commandspg "feeder-cloud/internal/commands/infrastructure/postgres"
	commandshttp "feeder-cloud/internal/commands/interfaces/http"
	"feeder-cloud/internal/deviceclient"
	"feeder-cloud/internal/eventing"
	feedlogapp "feeder-cloud/internal/feedlog/application"
	feedlog "feeder-cloud/internal/feedlog/domain"
	feedlogmem "feeder-cloud/internal/feedlog/infrastructure/memory"
	feedlogpg "feeder-cloud/internal/feedlog/infrastructure/postgres"
	feedloghttp "feeder-cloud/internal/feedlog/interfaces/http"
	heartbeatapp "feeder-cloud/internal/heartbeat/application"
	heartbeat "feeder-cloud/internal/heartbeat/domain"
	heartbeatmem "feeder-cloud/internal/heartbeat/infrastructure/memory"
	heartbeatpg "feeder-cloud/internal/heartbeat/infrastructure/postgres"
	heartbeathttp "feeder-cloud/internal/heartbeat/interfaces/http"
	"feeder-cloud/internal/notify"
	"feeder-cloud/internal/observability/metrics"
	schedulerapp "feeder-cloud/internal/scheduler/application"
	schedule "feeder-cloud/internal/scheduler/domain"
	schedulermem "feeder-cloud/internal/scheduler/infrastructure/memory"
	schedulerpg "feeder-cloud/internal/scheduler/infrastructure/postgres"
	schedulerhttp "feeder-cloud/internal/scheduler/interfaces/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()

		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	} else {
		logger.Printf("DATABASE_URL not set, falling back to in-memory stores; state is lost on restart")
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	var commandStore commands.Store
	var heartbeatStore heartbeat.Store
	var scheduleStore schedule.Store
	var feedlogStore feedlog.Store
	if db != nil {
		commandStore = commandspg.NewStore(db)
		heartbeatStore = heartbeatpg.NewStore(db)
		scheduleStore = schedulerpg.NewStore(db)
		feedlogStore = feedlogpg.NewStore(db)
	} else {
		commandStore = commandsmem.NewStore()
		heartbeatStore = heartbeatmem.NewStore()
		scheduleStore = schedulermem.NewStore()
		feedlogStore = feedlogmem.NewStore()
	}

	bus := eventing.NewInMemoryBus()
	if cfg.WebhookURL != "" {
		notify.Subscribe(bus, notify.NewWebhookNotifier(cfg.WebhookURL), logger)
	}

	tracker, err := heartbeatapp.NewTracker(heartbeatStore, cfg.HeartbeatTTL, logger)
	if err != nil {
		logger.Fatalf("heartbeat tracker error: %v", err)
	}

	var pinger commandsapp.Pinger
	if cfg.DeviceBaseURL != "" {
		client, err := deviceclient.NewClient(cfg.DeviceBaseURL)
		if err != nil {
			logger.Fatalf("device client error: %v", err)
		}
		pinger = client
	}

	commandService, err := commandsapp.NewService(
		commandStore,
		commandsapp.Config{
			RecentDupWindow:  cfg.DupWindow,
			PendingStale:     cfg.PendingStale,
			ProcessingStale:  cfg.ProcessingStale,
			RequireReachable: cfg.RequireReachable,
		},
		commandsapp.WithEventBus(bus),
		commandsapp.WithHeartbeats(tracker),
		commandsapp.WithConnectivity(tracker, pinger),
		commandsapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}

	commandHandler, err := commandshttp.NewHandler(commandService, auditRepo, logger)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}

	heartbeatHandler, err := heartbeathttp.NewHandler(tracker)
	if err != nil {
		logger.Fatalf("heartbeat handler error: %v", err)
	}

	feedlogService, err := feedlogapp.NewService(feedlogStore, logger)
	if err != nil {
		logger.Fatalf("feedlog service error: %v", err)
	}
	feedlogHandler, err := feedloghttp.NewHandler(feedlogService)
	if err != nil {
		logger.Fatalf("feedlog handler error: %v", err)
	}

	schedulerCfg, err := schedulerapp.LoadConfig()
	if err != nil {
		logger.Fatalf("scheduler config error: %v", err)
	}
	engine, err := schedulerapp.NewEngine(
		scheduleStore,
		queueDispatcher{service: commandService},
		feedActivity{commands: commandStore, logs: feedlogService},
		schedulerCfg,
		logger,
	)
	if err != nil {
		logger.Fatalf("schedule engine error: %v", err)
	}
	scheduleHandler, err := schedulerhttp.NewHandler(engine, scheduleStore)
	if err != nil {
		logger.Fatalf("schedule handler error: %v", err)
	}

	ctx := context.Background()
	reaper := commandsapp.NewReaper(commandService, cfg.ReaperInterval, logger)
	go reaper.Start(ctx)
	loop := schedulerapp.NewLoop(engine, schedulerCfg.EvalInterval, logger)
	go loop.Start(ctx)

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	deviceAuth := auth.NewDeviceKeyMiddleware(cfg.DeviceAPIKey)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", commandHandler)
	mux.Handle("/api/v1/heartbeat", heartbeatHandler)
	mux.Handle("/api/v1/schedules", scheduleHandler)
	mux.Handle("/api/v1/schedules/", scheduleHandler)
	mux.Handle("/api/v1/schedule/check", scheduleHandler)
	mux.Handle("/api/v1/device/config", schedulerhttp.NewDeviceConfigHandler(schedulerCfg, scheduleStore))
	mux.HandleFunc("/api/v1/device/logs", feedlogHandler.HandleDeviceLogs)
	mux.HandleFunc("/api/v1/feedlogs", feedlogHandler.HandleList)
	mux.HandleFunc("/api/v1/feedlogs/stats", feedlogHandler.HandleStats)
	mux.Handle("/api/v1/exports/feedlogs.csv", feedlogHandler.HandleExport("csv"))
	mux.Handle("/api/v1/exports/feedlogs.xlsx", feedlogHandler.HandleExport("xlsx"))
	mux.Handle("/api/v1/exports/feedlogs.pdf", feedlogHandler.HandleExport("pdf"))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(deviceAuth.Wrap(mux)), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

// queueDispatcher feeds schedule triggers into the command queue so they go
// through the same duplicate and staleness rules as manual feeds.
type queueDispatcher struct {
	service *commandsapp.Service
}

func (d queueDispatcher) DispatchFeed(ctx context.Context, deviceID string, portion float64, source string) error {
	_, err := d.service.Enqueue(ctx, commandsapp.EnqueueRequest{
		Kind:        commands.KindFeedNow,
		PortionSize: portion,
		DeviceID:    deviceID,
		Source:      source,
	})
	return err
}

// feedActivity merges queued feed commands and firmware-reported feed logs
// into one durable "was this device fed since t" answer for the scheduler.
type feedActivity struct {
	commands commands.Store
	logs     *feedlogapp.Service
}

func (a feedActivity) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	times, err := a.commands.RecentFeedTimes(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	logged, err := a.logs.RecentFeedTimes(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	return append(times, logged...), nil
}

type config struct {
	DatabaseURL      string
	HTTPAddr         string
	JWTSecret        string
	DeviceAPIKey     string
	DeviceBaseURL    string
	WebhookURL       string
	HeartbeatTTL     time.Duration
	DupWindow        time.Duration
	PendingStale     time.Duration
	ProcessingStale  time.Duration
	RequireReachable bool
	ReaperInterval   time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		DeviceAPIKey:     getenvDefault("DEVICE_API_KEY", ""),
		DeviceBaseURL:    getenvDefault("DEVICE_BASE_URL", ""),
		WebhookURL:       getenvDefault("FEED_WEBHOOK_URL", ""),
		HeartbeatTTL:     getenvDuration("HEARTBEAT_TTL", 70*time.Second),
		DupWindow:        getenvDuration("COMMAND_DUP_WINDOW", 20*time.Second),
		PendingStale:     getenvDuration("COMMAND_PENDING_STALE", 60*time.Second),
		ProcessingStale:  getenvDuration("COMMAND_PROCESSING_STALE", 180*time.Second),
		RequireReachable: getenvBoolDefault("COMMAND_REQUIRE_REACHABLE", false),
		ReaperInterval:   getenvDuration("REAPER_INTERVAL", 30*time.Second),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		elapsed := time.Since(start)
		result := metrics.ResultSuccess
		if resp.status >= http.StatusInternalServerError {
			result = metrics.ResultError
		}
		metrics.ObserveHTTP(result, elapsed)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, elapsed)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
