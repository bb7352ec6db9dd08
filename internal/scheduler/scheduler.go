// Package scheduler provides the single cooperative periodic-task runner
// shared by every orchestrator background loop (stale sweep, failover,
// reconciliation, long-transaction monitoring). Each loop ticks on its own
// period, checks for shutdown only between ticks, and never overlaps with
// itself: a slow iteration delays the next tick rather than stacking.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Task is one unit of periodic work. It returns an error only to be logged;
// a failed iteration never stops the loop.
type Task func(ctx context.Context) error

// Loop runs fn every period until ctx is cancelled. If startupJitter is
// positive, the first run is delayed by a random amount in [0, startupJitter)
// to avoid every loop in a freshly started process hitting the database in
// the same instant.
func Loop(ctx context.Context, name string, period time.Duration, startupJitter time.Duration, fn Task) {
	if startupJitter > 0 {
		jitter := rand.N(startupJitter)
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if err := runOnce(ctx, name, fn); err != nil {
		slog.ErrorContext(ctx, "scheduler: initial run failed", "task", name, "error", err)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler: stopping", "task", name)
			return
		case <-ticker.C:
			if err := runOnce(ctx, name, fn); err != nil {
				slog.ErrorContext(ctx, "scheduler: run failed", "task", name, "error", err)
			}
		}
	}
}

func runOnce(ctx context.Context, name string, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "scheduler: task panicked", "task", name, "panic", r)
		}
	}()
	return fn(ctx)
}
