package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	schedule "feeder-cloud/internal/scheduler/domain"
)

// Store is an in-memory schedule repository for unit tests and single-node
// runs.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*schedule.Schedule
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{nextID: 1, rows: make(map[int64]*schedule.Schedule)}
}

// Create inserts a schedule and assigns its id.
func (s *Store) Create(ctx context.Context, sch *schedule.Schedule) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *sch
	stored.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.rows[stored.ID] = &stored
	out := stored
	return &out, nil
}

// Update rewrites a schedule in place.
func (s *Store) Update(ctx context.Context, sch *schedule.Schedule) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[sch.ID]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	updated := *sch
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.rows[sch.ID] = &updated
	out := updated
	return &out, nil
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return schedule.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

// Get fetches a schedule by id.
func (s *Store) Get(ctx context.Context, id int64) (*schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, ok := s.rows[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	out := *sch
	return &out, nil
}

// List returns schedules, optionally scoped to a device, ascending by id.
func (s *Store) List(ctx context.Context, deviceID string) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []schedule.Schedule
	for _, sch := range s.rows {
		if deviceID != "" && sch.DeviceID != deviceID {
			continue
		}
		result = append(result, *sch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListEnabled returns every enabled schedule, ascending by id.
func (s *Store) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []schedule.Schedule
	for _, sch := range s.rows {
		if !sch.Enabled {
			continue
		}
		result = append(result, *sch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
