package feedlog

import (
	"context"
	"time"
)

// Entry is one recorded feeding event, reported by firmware after a dispense
// or written by the server alongside a completed feed command.
type Entry struct {
	ID               int64
	DeviceID         string
	CommandID        string // empty for unsolicited device logs
	PortionDispensed float64
	Source           string
	FedAt            time.Time
	CreatedAt        time.Time
}

// Stats summarizes feeding activity for a device.
type Stats struct {
	DeviceID     string    `json:"device_id"`
	Count        int       `json:"count"`
	TotalPortion float64   `json:"total_portion"`
	LastFedAt    time.Time `json:"last_fed_at"`
}

// Store persists feeding log entries.
type Store interface {
	Insert(ctx context.Context, entries []Entry) ([]Entry, error)
	List(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]Entry, error)
	Stats(ctx context.Context, deviceID string, since time.Time) (*Stats, error)

	// RecentSince returns feed timestamps for the device at or after the
	// given instant; the schedule trigger engine folds these into its
	// durable dedup cross-check.
	RecentSince(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error)
}
