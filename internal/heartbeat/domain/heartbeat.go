package heartbeat

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the device has never heartbeated.
var ErrNotFound = errors.New("heartbeat: device not found")

// Telemetry carries the optional fields a device may attach to a heartbeat.
// Pointers distinguish "not reported" from a zero value; absent fields keep
// their previously stored value.
type Telemetry struct {
	FirmwareVersion *string  `json:"firmware_version,omitempty"`
	IPAddress       *string  `json:"ip_address,omitempty"`
	WifiRSSI        *int     `json:"wifi_rssi,omitempty"`
	UptimeSec       *int64   `json:"uptime_sec,omitempty"`
	FoodLevelPct    *float64 `json:"food_level_pct,omitempty"`
	ErrorMessage    *string  `json:"error_message,omitempty"`
}

// Heartbeat is the single stored row per device. Online is never persisted;
// it is computed from LastSeen at read time.
type Heartbeat struct {
	DeviceID        string
	LastSeen        time.Time
	LastFeed        time.Time // zero until the first completed feed
	DailyFeeds      int64
	FirmwareVersion string
	IPAddress       string
	WifiRSSI        int
	UptimeSec       int64
	FoodLevelPct    float64
	ErrorMessage    string
	UpdatedAt       time.Time
}

// Store persists one heartbeat row per device.
type Store interface {
	// Upsert refreshes last_seen and merges the reported telemetry into the
	// device row, creating it on first contact.
	Upsert(ctx context.Context, deviceID string, at time.Time, tel Telemetry) (*Heartbeat, error)

	// TouchFeed records the moment of a completed feed and bumps the
	// daily feed counter.
	TouchFeed(ctx context.Context, deviceID string, at time.Time) error

	Get(ctx context.Context, deviceID string) (*Heartbeat, error)
	List(ctx context.Context) ([]Heartbeat, error)
}
