package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	heartbeat "feeder-cloud/internal/heartbeat/domain"
	"feeder-cloud/internal/observability/metrics"
)

// DefaultTTL is the freshness window for the computed online flag. Firmware
// heartbeats every 60 seconds; the extra 10 absorb network jitter.
const DefaultTTL = 70 * time.Second

// Clock supplies the current time; injected for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Status is the read-side view of a device heartbeat.
type Status struct {
	DeviceID        string    `json:"device_id"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"last_seen"`
	AgeSeconds      float64   `json:"age_seconds"`
	LastFeed        string    `json:"last_feed,omitempty"`
	DailyFeeds      int64     `json:"daily_feeds"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	WifiRSSI        int       `json:"wifi_rssi,omitempty"`
	UptimeSec       int64     `json:"uptime_sec,omitempty"`
	FoodLevelPct    float64   `json:"food_level_pct,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// Tracker maintains the single heartbeat row per device and answers the
// computed online question. Nothing ever marks a device offline; staleness
// does.
type Tracker struct {
	store  heartbeat.Store
	ttl    time.Duration
	clock  Clock
	logger *log.Logger
}

// NewTracker constructs a tracker. ttl <= 0 selects DefaultTTL.
func NewTracker(store heartbeat.Store, ttl time.Duration, logger *log.Logger) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("heartbeat: nil store")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, ttl: ttl, clock: systemClock{}, logger: logger}, nil
}

// WithClock overrides the time source; used by tests.
func (t *Tracker) WithClock(clock Clock) *Tracker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// Record stores a heartbeat for the device and returns its fresh status.
func (t *Tracker) Record(ctx context.Context, deviceID string, tel heartbeat.Telemetry) (*Status, error) {
	if deviceID == "" {
		return nil, errors.New("heartbeat: device_id required")
	}
	now := t.clock.Now().UTC()
	hb, err := t.store.Upsert(ctx, deviceID, now, tel)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: record device=%s: %w", deviceID, err)
	}
	metrics.IncHeartbeat()
	if t.logger != nil {
		t.logger.Printf("heartbeat: device=%s rssi=%d food=%.1f", hb.DeviceID, hb.WifiRSSI, hb.FoodLevelPct)
	}
	return t.statusOf(hb, now), nil
}

// TouchFeed records the moment of a completed feed against the device row.
func (t *Tracker) TouchFeed(ctx context.Context, deviceID string, now time.Time) error {
	return t.store.TouchFeed(ctx, deviceID, now.UTC())
}

// IsOnline reports whether the device heartbeated within the TTL. A device
// that never heartbeated is offline, not an error.
func (t *Tracker) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	hb, err := t.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, heartbeat.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return t.clock.Now().UTC().Sub(hb.LastSeen) <= t.ttl, nil
}

// Status returns the computed view for one device.
func (t *Tracker) Status(ctx context.Context, deviceID string) (*Status, error) {
	hb, err := t.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return t.statusOf(hb, t.clock.Now().UTC()), nil
}

// ListStatuses returns the computed view for every known device.
func (t *Tracker) ListStatuses(ctx context.Context) ([]Status, error) {
	rows, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now().UTC()
	out := make([]Status, 0, len(rows))
	for i := range rows {
		out = append(out, *t.statusOf(&rows[i], now))
	}
	return out, nil
}

func (t *Tracker) statusOf(hb *heartbeat.Heartbeat, now time.Time) *Status {
	age := now.Sub(hb.LastSeen)
	s := &Status{
		DeviceID:        hb.DeviceID,
		Online:          age <= t.ttl,
		LastSeen:        hb.LastSeen,
		AgeSeconds:      age.Seconds(),
		DailyFeeds:      hb.DailyFeeds,
		FirmwareVersion: hb.FirmwareVersion,
		IPAddress:       hb.IPAddress,
		WifiRSSI:        hb.WifiRSSI,
		UptimeSec:       hb.UptimeSec,
		FoodLevelPct:    hb.FoodLevelPct,
		ErrorMessage:    hb.ErrorMessage,
	}
	if !hb.LastFeed.IsZero() {
		s.LastFeed = hb.LastFeed.Format(time.RFC3339)
	}
	return s
}
