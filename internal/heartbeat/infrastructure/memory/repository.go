package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	heartbeat "feeder-cloud/internal/heartbeat/domain"
)

// Store is an in-memory heartbeat repository for unit tests and single-node
// runs.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*heartbeat.Heartbeat
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{rows: make(map[string]*heartbeat.Heartbeat)}
}

// Upsert refreshes last_seen and merges reported telemetry.
func (s *Store) Upsert(ctx context.Context, deviceID string, at time.Time, tel heartbeat.Telemetry) (*heartbeat.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.rows[deviceID]
	if !ok {
		hb = &heartbeat.Heartbeat{DeviceID: deviceID}
		s.rows[deviceID] = hb
	}
	at = at.UTC()
	hb.LastSeen = at
	hb.UpdatedAt = at
	if tel.FirmwareVersion != nil {
		hb.FirmwareVersion = *tel.FirmwareVersion
	}
	if tel.IPAddress != nil {
		hb.IPAddress = *tel.IPAddress
	}
	if tel.WifiRSSI != nil {
		hb.WifiRSSI = *tel.WifiRSSI
	}
	if tel.UptimeSec != nil {
		hb.UptimeSec = *tel.UptimeSec
	}
	if tel.FoodLevelPct != nil {
		hb.FoodLevelPct = *tel.FoodLevelPct
	}
	if tel.ErrorMessage != nil {
		hb.ErrorMessage = *tel.ErrorMessage
	}
	out := *hb
	return &out, nil
}

// TouchFeed records the moment of a completed feed and bumps the daily
// counter.
func (s *Store) TouchFeed(ctx context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	hb, ok := s.rows[deviceID]
	if !ok {
		hb = &heartbeat.Heartbeat{DeviceID: deviceID}
		s.rows[deviceID] = hb
	}
	hb.LastSeen = at
	hb.LastFeed = at
	hb.DailyFeeds++
	hb.UpdatedAt = at
	return nil
}

// Get fetches the heartbeat row for a device.
func (s *Store) Get(ctx context.Context, deviceID string) (*heartbeat.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb, ok := s.rows[deviceID]
	if !ok {
		return nil, heartbeat.ErrNotFound
	}
	out := *hb
	return &out, nil
}

// List returns every known device row, ordered by device id.
func (s *Store) List(ctx context.Context) ([]heartbeat.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]heartbeat.Heartbeat, 0, len(s.rows))
	for _, hb := range s.rows {
		result = append(result, *hb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result, nil
}
