// Package scheduler drives the poll cycle.
package scheduler

import (
	"context"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// DefaultInterval is the pause between cycle starts when none is configured
const DefaultInterval = 60 * time.Second

// Loop runs Tick once immediately and then once per Interval until the
// context is cancelled. Ticks run on the loop goroutine, so cycles never
// overlap; a slow tick delays the next one instead of stacking up.
type Loop struct {
	Interval time.Duration
	Tick     func(ctx context.Context) error
	Logger   *logx.Logger
}

// Run blocks until ctx is done and returns ctx.Err()
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := l.Logger
	if logger == nil {
		logger = &logx.Logger{}
	}

	logger.Info("Starting poll loop", "interval", interval)

	l.runTick(ctx, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			// a tick that overran its interval leaves a stale tick queued
			if ctx.Err() != nil {
				continue
			}
			l.runTick(ctx, logger)
		}
	}
}

func (l *Loop) runTick(ctx context.Context, logger *logx.Logger) {
	if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Poll cycle failed", "error", err)
	}
}
