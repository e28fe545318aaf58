package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	feedlog "feeder-cloud/internal/feedlog/domain"
	"feeder-cloud/internal/observability/metrics"
)

// DefaultSource marks entries reported by firmware without an explicit
// source.
const DefaultSource = "esp"

// Clock supplies the current time; injected for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RecordRequest is one feeding event as firmware reports it. Firmware that
// cannot weigh the dispensed food reports the dispense duration instead;
// one second of auger run counts as one portion unit.
type RecordRequest struct {
	DeviceID         string   `json:"device_id"`
	CommandID        string   `json:"command_id,omitempty"`
	PortionDispensed *float64 `json:"portion_dispensed,omitempty"`
	DurationMs       *float64 `json:"duration_ms,omitempty"`
	Source           string   `json:"source,omitempty"`
	FedAt            string   `json:"fed_at,omitempty"` // RFC3339; empty means now
}

// Service owns the feeding log.
type Service struct {
	store  feedlog.Store
	clock  Clock
	logger *log.Logger
}

// NewService constructs a feeding log service.
func NewService(store feedlog.Store, logger *log.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("feedlog: nil store")
	}
	return &Service{store: store, clock: systemClock{}, logger: logger}, nil
}

// WithClock overrides the time source; used by tests.
func (s *Service) WithClock(clock Clock) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Record normalizes and stores a batch of reported feedings.
func (s *Service) Record(ctx context.Context, reqs []RecordRequest) ([]feedlog.Entry, error) {
	if len(reqs) == 0 {
		return nil, errors.New("feedlog: empty batch")
	}
	now := s.clock.Now().UTC()
	entries := make([]feedlog.Entry, 0, len(reqs))
	for i, req := range reqs {
		entry, err := normalize(req, now)
		if err != nil {
			return nil, fmt.Errorf("feedlog: entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	created, err := s.store.Insert(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("feedlog: insert: %w", err)
	}
	for _, e := range created {
		metrics.IncFeedLog()
		if s.logger != nil {
			s.logger.Printf("feed logged: device=%s portion=%.2f source=%s", e.DeviceID, e.PortionDispensed, e.Source)
		}
	}
	return created, nil
}

// List returns feeding entries for a device, newest first.
func (s *Service) List(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]feedlog.Entry, error) {
	if deviceID == "" {
		return nil, errors.New("feedlog: device_id required")
	}
	return s.store.List(ctx, deviceID, from, to, limit)
}

// Stats summarizes feeding activity for a device since the given instant.
func (s *Service) Stats(ctx context.Context, deviceID string, since time.Time) (*feedlog.Stats, error) {
	if deviceID == "" {
		return nil, errors.New("feedlog: device_id required")
	}
	return s.store.Stats(ctx, deviceID, since)
}

// RecentFeedTimes exposes the durable feed history for the schedule trigger
// engine's restart backstop.
func (s *Service) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	return s.store.RecentSince(ctx, deviceID, since)
}

func normalize(req RecordRequest, now time.Time) (feedlog.Entry, error) {
	if req.DeviceID == "" {
		return feedlog.Entry{}, errors.New("device_id required")
	}
	var portion float64
	switch {
	case req.PortionDispensed != nil:
		portion = *req.PortionDispensed
	case req.DurationMs != nil:
		portion = *req.DurationMs / 1000.0
	default:
		return feedlog.Entry{}, errors.New("portion_dispensed or duration_ms required")
	}
	if portion <= 0 {
		return feedlog.Entry{}, errors.New("portion must be positive")
	}

	source := req.Source
	if source == "" {
		source = DefaultSource
	}
	fedAt := now
	if req.FedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.FedAt)
		if err != nil {
			return feedlog.Entry{}, fmt.Errorf("bad fed_at %q: %w", req.FedAt, err)
		}
		fedAt = parsed.UTC()
	}
	return feedlog.Entry{
		DeviceID:         req.DeviceID,
		CommandID:        req.CommandID,
		PortionDispensed: portion,
		Source:           source,
		FedAt:            fedAt,
	}, nil
}
