package application

import (
	"context"
	"log"
	"time"
)

// Loop drives the trigger engine on a fixed interval so schedules fire even
// when no device is polling.
type Loop struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger
}

// NewLoop constructs a Loop.
func NewLoop(engine *Engine, interval time.Duration, logger *log.Logger) *Loop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Loop{engine: engine, interval: interval, logger: logger}
}

// Start begins the evaluation loop and blocks until ctx is done.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.engine == nil {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			triggered := l.engine.Evaluate(ctx, now.UTC())
			if len(triggered) > 0 && l.logger != nil {
				l.logger.Printf("schedule evaluation: fired %d trigger(s)", len(triggered))
			}
		}
	}
}
