package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	commandsevents "feeder-cloud/internal/commands/application/events"
	commands "feeder-cloud/internal/commands/domain"
	"feeder-cloud/internal/eventing"
	"feeder-cloud/internal/observability/metrics"

	"github.com/google/uuid"
)

// Clock supplies the current time; injected for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// OnlineChecker reports whether a device has heartbeated recently.
type OnlineChecker interface {
	IsOnline(ctx context.Context, deviceID string) (bool, error)
}

// FeedToucher records a completed feed against the device heartbeat row.
type FeedToucher interface {
	TouchFeed(ctx context.Context, deviceID string, now time.Time) error
}

// Pinger checks device connectivity directly.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// Config carries queue timing rules. The staleness windows were hardcoded in
// earlier firmware-facing builds; they are deliberately configuration here.
type Config struct {
	RecentDupWindow  time.Duration
	PendingStale     time.Duration
	ProcessingStale  time.Duration
	RequireReachable bool
}

func (c Config) withDefaults() Config {
	if c.RecentDupWindow <= 0 {
		c.RecentDupWindow = 20 * time.Second
	}
	if c.PendingStale <= 0 {
		c.PendingStale = 60 * time.Second
	}
	if c.ProcessingStale <= 0 {
		c.ProcessingStale = 180 * time.Second
	}
	return c
}

// Service is the device command queue: it owns every command status
// transition and keeps the lifecycle log consistent with it.
type Service struct {
	store      commands.Store
	bus        eventing.EventBus
	heartbeats FeedToucher
	online     OnlineChecker
	pinger     Pinger
	clock      Clock
	cfg        Config
	logger     *log.Logger
}

// Option configures the service.
type Option func(*Service)

// WithEventBus publishes lifecycle events on the given bus.
func WithEventBus(bus eventing.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithHeartbeats wires the heartbeat tracker touched on completed feeds.
func WithHeartbeats(toucher FeedToucher) Option {
	return func(s *Service) { s.heartbeats = toucher }
}

// WithConnectivity wires the checkers consulted when
// Config.RequireReachable is set. Either check passing counts as reachable;
// both run outside any row lock. Wiring checkers does not turn the gate on.
func WithConnectivity(online OnlineChecker, pinger Pinger) Option {
	return func(s *Service) {
		s.online = online
		s.pinger = pinger
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a command queue service.
func NewService(store commands.Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("commands: nil store")
	}
	s := &Service{
		store: store,
		clock: systemClock{},
		cfg:   cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnqueueRequest represents a command enqueue request.
type EnqueueRequest struct {
	Kind        string  `json:"kind"`
	PortionSize float64 `json:"portion_size,omitempty"`
	DeviceID    string  `json:"device_id"`
	Source      string  `json:"source,omitempty"`
}

// Enqueue validates and persists a new command. Returns *ConflictError when
// an equivalent command is live or was created within the duplicate window,
// and ErrDeviceUnreachable when the reachability gate is on and both checks
// fail.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*commands.Command, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}
	if req.Kind != commands.KindFeedNow {
		req.PortionSize = 0
	}

	if s.cfg.RequireReachable {
		if err := s.checkReachable(ctx, req.DeviceID); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	cmd := &commands.Command{
		ID:          "cmd-" + uuid.NewString(),
		Kind:        req.Kind,
		PortionSize: req.PortionSize,
		Status:      commands.StatusPending,
		DeviceID:    req.DeviceID,
		CreatedAt:   now,
	}
	created, err := s.store.Enqueue(ctx, cmd, commands.EnqueuePolicy{
		Now:             now,
		RecentDupWindow: s.cfg.RecentDupWindow,
		PendingStale:    s.cfg.PendingStale,
		ProcessingStale: s.cfg.ProcessingStale,
	})
	if err != nil {
		var conflict *commands.ConflictError
		if errors.As(err, &conflict) {
			metrics.IncCommandConflict()
			return nil, err
		}
		return nil, fmt.Errorf("commands: enqueue device=%s kind=%s: %w", req.DeviceID, req.Kind, err)
	}

	metrics.IncCommandEnqueued(created.Kind)
	s.printf("command queued: id=%s kind=%s device=%s portion=%.1f source=%s",
		created.ID, created.Kind, created.DeviceID, created.PortionSize, req.Source)
	s.publish(ctx, commandsevents.CommandQueued{
		CommandID:   created.ID,
		Kind:        created.Kind,
		DeviceID:    created.DeviceID,
		PortionSize: created.PortionSize,
		Source:      req.Source,
		OccurredAt:  now,
	})
	return created, nil
}

// FetchNext claims the oldest pending command for the device and marks it
// processing. Returns (nil, nil) when the queue is empty.
func (s *Service) FetchNext(ctx context.Context, deviceID string) (*commands.Command, error) {
	if deviceID == "" {
		return nil, &commands.ValidationError{Field: "device_id", Reason: "required"}
	}
	cmd, err := s.store.FetchNext(ctx, deviceID, s.clock.Now().UTC())
	if err != nil {
		metrics.IncFetchNext(metrics.ResultError)
		return nil, fmt.Errorf("commands: fetch next device=%s: %w", deviceID, err)
	}
	if cmd == nil {
		metrics.IncFetchNext("empty")
		return nil, nil
	}
	metrics.IncFetchNext("dispatched")
	s.printf("command dispatched: id=%s kind=%s device=%s", cmd.ID, cmd.Kind, cmd.DeviceID)
	return cmd, nil
}

// Results a device may report on acknowledge.
var successResults = map[string]struct{}{
	"ok":        {},
	"completed": {},
	"success":   {},
}

// Acknowledge finalizes a command. A second acknowledge of a terminal
// command is an idempotent no-op: the stored command is returned unchanged
// and no transition row is written.
func (s *Service) Acknowledge(ctx context.Context, commandID, deviceID, result, errorMessage string) (*commands.Command, error) {
	if commandID == "" {
		return nil, &commands.ValidationError{Field: "command_id", Reason: "required"}
	}
	toStatus := commands.StatusFailed
	if _, ok := successResults[strings.ToLower(strings.TrimSpace(result))]; ok {
		toStatus = commands.StatusCompleted
		errorMessage = ""
	}

	now := s.clock.Now().UTC()
	cmd, changed, err := s.store.Acknowledge(ctx, commandID, deviceID, toStatus, errorMessage, now)
	if err != nil {
		if errors.Is(err, commands.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("commands: acknowledge id=%s device=%s: %w", commandID, deviceID, err)
	}
	if !changed {
		return cmd, nil
	}

	metrics.IncCommandResult(cmd.Status)
	s.printf("command acknowledged: id=%s device=%s status=%s", cmd.ID, cmd.DeviceID, cmd.Status)
	if cmd.Status == commands.StatusCompleted {
		if cmd.Kind == commands.KindFeedNow && s.heartbeats != nil {
			if err := s.heartbeats.TouchFeed(ctx, cmd.DeviceID, now); err != nil {
				s.printf("heartbeat touch failed: device=%s err=%v", cmd.DeviceID, err)
			}
		}
		s.publish(ctx, commandsevents.CommandCompleted{
			CommandID:   cmd.ID,
			Kind:        cmd.Kind,
			DeviceID:    cmd.DeviceID,
			PortionSize: cmd.PortionSize,
			OccurredAt:  now,
		})
	} else {
		s.publish(ctx, commandsevents.CommandFailed{
			CommandID:    cmd.ID,
			Kind:         cmd.Kind,
			DeviceID:     cmd.DeviceID,
			ErrorMessage: cmd.ErrorMessage,
			OccurredAt:   now,
		})
	}
	return cmd, nil
}

// Cancel fails a still-pending command. Processing commands are not
// cancelable: their physical side effect may already be underway.
func (s *Service) Cancel(ctx context.Context, commandID string) (*commands.Command, error) {
	if commandID == "" {
		return nil, &commands.ValidationError{Field: "command_id", Reason: "required"}
	}
	now := s.clock.Now().UTC()
	cmd, err := s.store.CancelPending(ctx, commandID, now)
	if err != nil {
		if errors.Is(err, commands.ErrNotFound) || errors.Is(err, commands.ErrNotCancelable) {
			return nil, err
		}
		return nil, fmt.Errorf("commands: cancel id=%s: %w", commandID, err)
	}
	metrics.IncCommandResult(cmd.Status)
	s.printf("command canceled: id=%s device=%s", cmd.ID, cmd.DeviceID)
	s.publish(ctx, commandsevents.CommandFailed{
		CommandID:    cmd.ID,
		Kind:         cmd.Kind,
		DeviceID:     cmd.DeviceID,
		ErrorMessage: cmd.ErrorMessage,
		OccurredAt:   now,
	})
	return cmd, nil
}

// SweepStale fails commands stuck beyond the configured windows and returns
// how many were touched.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	swept, err := s.store.SweepStale(ctx, now, s.cfg.PendingStale, s.cfg.ProcessingStale)
	if err != nil {
		return 0, fmt.Errorf("commands: sweep stale: %w", err)
	}
	if len(swept) == 0 {
		return 0, nil
	}
	metrics.AddCommandsSwept(len(swept))
	for _, cmd := range swept {
		metrics.IncCommandResult(cmd.Status)
		s.printf("command reaped: id=%s device=%s reason=%q", cmd.ID, cmd.DeviceID, cmd.ErrorMessage)
		s.publish(ctx, commandsevents.CommandFailed{
			CommandID:    cmd.ID,
			Kind:         cmd.Kind,
			DeviceID:     cmd.DeviceID,
			ErrorMessage: cmd.ErrorMessage,
			OccurredAt:   now,
		})
	}
	return len(swept), nil
}

// GetByID fetches a command by id.
func (s *Service) GetByID(ctx context.Context, commandID string) (*commands.Command, error) {
	return s.store.GetByID(ctx, commandID)
}

// List returns commands for a device, optionally filtered by status.
func (s *Service) List(ctx context.Context, deviceID, status string, limit int) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, &commands.ValidationError{Field: "device_id", Reason: "required"}
	}
	return s.store.ListByDevice(ctx, deviceID, status, limit)
}

// ListTransitions returns the lifecycle log for one command, oldest first.
func (s *Service) ListTransitions(ctx context.Context, commandID string) ([]commands.TransitionEvent, error) {
	return s.store.ListTransitions(ctx, commandID)
}

// RecentFeedTimes exposes the lifecycle log read path used by the schedule
// trigger engine.
func (s *Service) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	return s.store.RecentFeedTimes(ctx, deviceID, since)
}

func (s *Service) checkReachable(ctx context.Context, deviceID string) error {
	if s.pinger != nil && s.pinger.Ping(ctx) {
		return nil
	}
	if s.online != nil {
		ok, err := s.online.IsOnline(ctx, deviceID)
		if err != nil {
			s.printf("online check failed: device=%s err=%v", deviceID, err)
		}
		if ok {
			return nil
		}
	}
	if s.pinger == nil && s.online == nil {
		return nil
	}
	return commands.ErrDeviceUnreachable
}

func (s *Service) publish(ctx context.Context, event any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.printf("event publish failed: type=%s err=%v", eventing.EventType(event), err)
	}
}

func (s *Service) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func validateEnqueue(req EnqueueRequest) error {
	if req.DeviceID == "" {
		return &commands.ValidationError{Field: "device_id", Reason: "required"}
	}
	if !commands.ValidKind(req.Kind) {
		return &commands.ValidationError{Field: "kind", Reason: "must be one of feed_now, stop_feeding, calibrate"}
	}
	if req.Kind == commands.KindFeedNow {
		if req.PortionSize < commands.MinPortionSize || req.PortionSize > commands.MaxPortionSize {
			return &commands.ValidationError{
				Field:  "portion_size",
				Reason: fmt.Sprintf("must be between %.0f and %.0f", commands.MinPortionSize, commands.MaxPortionSize),
			}
		}
	}
	return nil
}
