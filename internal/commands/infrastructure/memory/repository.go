package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "feeder-cloud/internal/commands/domain"
)

// Store is an in-memory command queue for unit tests and single-node runs.
// A per-device mutex stands in for the row locks of the Postgres store: all
// writers for one device serialize, devices stay independent.
type Store struct {
	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
	byID        map[string]*commands.Command
	order       []string // command ids in insertion order
	transitions []commands.TransitionEvent
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		deviceLocks: make(map[string]*sync.Mutex),
		byID:        make(map[string]*commands.Command),
	}
}

func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.deviceLocks[deviceID] = l
	}
	return l
}

// Enqueue applies the duplicate and staleness rules under the device lock.
func (s *Store) Enqueue(ctx context.Context, cmd *commands.Command, policy commands.EnqueuePolicy) (*commands.Command, error) {
	lock := s.deviceLock(cmd.DeviceID)
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := policy.Now.UTC()
	for _, id := range s.order {
		existing := s.byID[id]
		if existing.DeviceID != cmd.DeviceID || existing.Kind != cmd.Kind {
			continue
		}
		switch existing.Status {
		case commands.StatusPending:
			if now.Sub(existing.CreatedAt) <= policy.PendingStale {
				return nil, &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
			}
			s.failLocked(existing, commands.ReasonExpiredPendingReplaced, now)
		case commands.StatusProcessing:
			ref := existing.ProcessedAt
			if ref.IsZero() {
				ref = existing.CreatedAt
			}
			if now.Sub(ref) <= policy.ProcessingStale {
				return nil, &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
			}
			s.failLocked(existing, commands.ReasonExpiredProcessingReplaced, now)
		default:
			if policy.RecentDupWindow > 0 && now.Sub(existing.CreatedAt) < policy.RecentDupWindow {
				return nil, &commands.ConflictError{CommandID: existing.ID, PortionSize: existing.PortionSize}
			}
		}
	}

	stored := *cmd
	stored.Status = commands.StatusPending
	stored.CreatedAt = now
	s.byID[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	s.transitions = append(s.transitions, commands.TransitionEvent{
		CommandID: stored.ID,
		ToStatus:  commands.StatusPending,
		DeviceID:  stored.DeviceID,
		CreatedAt: now,
	})
	out := stored
	return &out, nil
}

// FetchNext claims the oldest pending command for the device.
func (s *Store) FetchNext(ctx context.Context, deviceID string, now time.Time) (*commands.Command, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	var oldest *commands.Command
	for _, id := range s.order {
		cmd := s.byID[id]
		if cmd.DeviceID != deviceID || cmd.Status != commands.StatusPending {
			continue
		}
		if oldest == nil || cmd.CreatedAt.Before(oldest.CreatedAt) {
			oldest = cmd
		}
	}
	if oldest == nil {
		return nil, nil
	}
	from := oldest.Status
	oldest.Status = commands.StatusProcessing
	oldest.ProcessedAt = now
	s.transitions = append(s.transitions, commands.TransitionEvent{
		CommandID:  oldest.ID,
		FromStatus: from,
		ToStatus:   commands.StatusProcessing,
		DeviceID:   deviceID,
		CreatedAt:  now,
	})
	out := *oldest
	return &out, nil
}

// Acknowledge moves the command to toStatus unless it is already terminal.
func (s *Store) Acknowledge(ctx context.Context, commandID, deviceID, toStatus, errorMessage string, now time.Time) (*commands.Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.byID[commandID]
	if !ok {
		return nil, false, commands.ErrNotFound
	}
	if deviceID != "" && cmd.DeviceID != deviceID {
		return nil, false, commands.ErrNotFound
	}
	if commands.IsTerminal(cmd.Status) {
		out := *cmd
		return &out, false, nil
	}

	now = now.UTC()
	from := cmd.Status
	cmd.Status = toStatus
	cmd.ErrorMessage = errorMessage
	if cmd.ProcessedAt.IsZero() {
		cmd.ProcessedAt = now
	}
	s.transitions = append(s.transitions, commands.TransitionEvent{
		CommandID:  commandID,
		FromStatus: from,
		ToStatus:   toStatus,
		DeviceID:   cmd.DeviceID,
		CreatedAt:  now,
	})
	out := *cmd
	return &out, true, nil
}

// CancelPending fails a pending command with the cancel reason.
func (s *Store) CancelPending(ctx context.Context, commandID string, now time.Time) (*commands.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.byID[commandID]
	if !ok {
		return nil, commands.ErrNotFound
	}
	if cmd.Status != commands.StatusPending {
		return nil, commands.ErrNotCancelable
	}
	s.failLocked(cmd, commands.ReasonCanceled, now.UTC())
	out := *cmd
	return &out, nil
}

// SweepStale fails commands stuck beyond the staleness windows.
func (s *Store) SweepStale(ctx context.Context, now time.Time, pendingStale, processingStale time.Duration) ([]commands.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	var swept []commands.Command
	for _, id := range s.order {
		cmd := s.byID[id]
		switch cmd.Status {
		case commands.StatusPending:
			if now.Sub(cmd.CreatedAt) > pendingStale {
				s.failLocked(cmd, commands.ReasonExpiredPending, now)
				swept = append(swept, *cmd)
			}
		case commands.StatusProcessing:
			ref := cmd.ProcessedAt
			if ref.IsZero() {
				ref = cmd.CreatedAt
			}
			if now.Sub(ref) > processingStale {
				s.failLocked(cmd, commands.ReasonExpiredProcessing, now)
				swept = append(swept, *cmd)
			}
		}
	}
	return swept, nil
}

// GetByID fetches a command by id.
func (s *Store) GetByID(ctx context.Context, commandID string) (*commands.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.byID[commandID]
	if !ok {
		return nil, commands.ErrNotFound
	}
	out := *cmd
	return &out, nil
}

// ListByDevice lists commands for a device, newest first.
func (s *Store) ListByDevice(ctx context.Context, deviceID, status string, limit int) ([]commands.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var result []commands.Command
	for _, id := range s.order {
		cmd := s.byID[id]
		if cmd.DeviceID != deviceID {
			continue
		}
		if status != "" && cmd.Status != status {
			continue
		}
		result = append(result, *cmd)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListTransitions returns the lifecycle log for a command, oldest first.
func (s *Store) ListTransitions(ctx context.Context, commandID string) ([]commands.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []commands.TransitionEvent
	for _, ev := range s.transitions {
		if ev.CommandID == commandID {
			result = append(result, ev)
		}
	}
	return result, nil
}

// RecentFeedTimes returns creation timestamps of feed commands queued since
// the given instant, oldest first.
func (s *Store) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since = since.UTC()
	var result []time.Time
	for _, id := range s.order {
		cmd := s.byID[id]
		if cmd.DeviceID != deviceID || cmd.Kind != commands.KindFeedNow {
			continue
		}
		if cmd.CreatedAt.Before(since) {
			continue
		}
		result = append(result, cmd.CreatedAt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}

// failLocked assumes s.mu is held.
func (s *Store) failLocked(cmd *commands.Command, reason string, now time.Time) {
	from := cmd.Status
	cmd.Status = commands.StatusFailed
	cmd.ErrorMessage = reason
	if cmd.ProcessedAt.IsZero() {
		cmd.ProcessedAt = now
	}
	s.transitions = append(s.transitions, commands.TransitionEvent{
		CommandID:  cmd.ID,
		FromStatus: from,
		ToStatus:   commands.StatusFailed,
		DeviceID:   cmd.DeviceID,
		CreatedAt:  now,
	})
}
