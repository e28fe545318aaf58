package application

import (
	"context"
	"log"
	"time"
)

// Reaper periodically fails commands stuck in a non-terminal state. The same
// staleness checks also run inline during enqueue; both paths share the
// store's locking discipline and are idempotent.
type Reaper struct {
	service  *Service
	interval time.Duration
	logger   *log.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(service *Service, interval time.Duration, logger *log.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{service: service, interval: interval, logger: logger}
}

// Start begins the sweep loop and blocks until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	if r == nil || r.service == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.service.SweepStale(ctx)
			if err != nil {
				if r.logger != nil {
					r.logger.Printf("reaper sweep error: %v", err)
				}
				continue
			}
			if count > 0 && r.logger != nil {
				r.logger.Printf("reaper sweep: failed %d stale command(s)", count)
			}
		}
	}
}
