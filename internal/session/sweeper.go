package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 30 * time.Second

// SweepFunc performs one sweep pass.
type SweepFunc func(ctx context.Context)

// RunSweeper calls sweep on every tick until ctx is canceled. It blocks, so
// callers run it in its own goroutine or errgroup.
func RunSweeper(ctx context.Context, interval time.Duration, sweep SweepFunc) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("[SWEEP] Sweeper started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			sweep(ctx)
		case <-ctx.Done():
			slog.Info("[SWEEP] Sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
