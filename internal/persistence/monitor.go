package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamfleet/orchestrator/internal/scheduler"
)

// RunLongTransactionMonitor inspects in-flight transactions every
// sweepPeriod. A transaction older than warningThreshold gets a warning
// log; one older than twice that is flagged for forced abort, which
// WithTransaction observes on its next commit attempt and turns into a
// rollback instead.
func (s *Store) RunLongTransactionMonitor(ctx context.Context, warningThreshold, sweepPeriod time.Duration) {
	scheduler.Loop(ctx, "tx-monitor", sweepPeriod, sweepPeriod/3, func(ctx context.Context) error {
		s.sweepLongTransactions(ctx, warningThreshold)
		return nil
	})
}

func (s *Store) sweepLongTransactions(ctx context.Context, warningThreshold time.Duration) {
	now := time.Now().UTC()
	abortThreshold := warningThreshold * 2

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tx := range s.activeTx {
		elapsed := now.Sub(tx.StartedAt)
		switch {
		case elapsed >= abortThreshold:
			if !s.forceAborted[id] {
				if s.forceAborted == nil {
					s.forceAborted = make(map[string]bool)
				}
				s.forceAborted[id] = true
				slog.WarnContext(ctx, "persistence: transaction exceeded abort threshold, flagged for forced rollback",
					"tx_id", id, "label", tx.Label, "elapsed", elapsed)
			}
		case elapsed >= warningThreshold:
			slog.WarnContext(ctx, "persistence: long-running transaction",
				"tx_id", id, "label", tx.Label, "elapsed", elapsed)
		}
	}
}

// shouldForceAbort reports whether the monitor has flagged txID for forced
// rollback, clearing the flag as it is consumed.
func (s *Store) shouldForceAbort(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forceAborted == nil {
		return false
	}
	flagged := s.forceAborted[txID]
	delete(s.forceAborted, txID)
	return flagged
}
