package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	feedlog "feeder-cloud/internal/feedlog/domain"
)

// Store is an in-memory feeding log for unit tests and single-node runs.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	rows   []feedlog.Entry
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{nextID: 1}
}

// Insert appends a batch of entries.
func (s *Store) Insert(ctx context.Context, entries []feedlog.Entry) ([]feedlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	created := make([]feedlog.Entry, 0, len(entries))
	for _, e := range entries {
		e.ID = s.nextID
		s.nextID++
		e.CreatedAt = now
		s.rows = append(s.rows, e)
		created = append(created, e)
	}
	return created, nil
}

// List returns entries for a device, newest first.
func (s *Store) List(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]feedlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var result []feedlog.Entry
	for _, e := range s.rows {
		if e.DeviceID != deviceID {
			continue
		}
		if !from.IsZero() && e.FedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !e.FedAt.Before(to) {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].FedAt.After(result[j].FedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Stats summarizes feeding activity for a device since the given instant.
func (s *Store) Stats(ctx context.Context, deviceID string, since time.Time) (*feedlog.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := feedlog.Stats{DeviceID: deviceID}
	for _, e := range s.rows {
		if e.DeviceID != deviceID || e.FedAt.Before(since) {
			continue
		}
		stats.Count++
		stats.TotalPortion += e.PortionDispensed
		if e.FedAt.After(stats.LastFedAt) {
			stats.LastFedAt = e.FedAt
		}
	}
	return &stats, nil
}

// RecentSince returns feed timestamps at or after the given instant.
func (s *Store) RecentSince(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []time.Time
	for _, e := range s.rows {
		if e.DeviceID != deviceID || e.FedAt.Before(since) {
			continue
		}
		result = append(result, e.FedAt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}
