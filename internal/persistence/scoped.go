package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/orcherr"
)

// WithConnection acquires a pooled connection, runs fn with it, and
// guarantees release on every exit path — including panics propagated from
// fn. label identifies the call site for Health()'s diagnostics; it is
// mandatory because the original system never omits it.
func (s *Store) WithConnection(ctx context.Context, label string, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	if label == "" {
		return orcherr.New(orcherr.Invalid, "persistence: label is required")
	}

	start := time.Now()
	conn, err := s.pool.Acquire(ctx)
	s.recordAcquire(time.Since(start))
	if err != nil {
		s.recordFailure(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return orcherr.Wrap(orcherr.Unavailable, "persistence: acquire timed out", err)
		}
		return orcherr.Wrap(orcherr.Unavailable, "persistence: acquire failed", err)
	}
	defer conn.Release()

	if err := fn(ctx, conn); err != nil {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return nil
}

// WithTransaction begins a transaction, runs fn, commits on normal return,
// and rolls back on any error or panic from fn. The transaction is recorded
// in the long-transaction monitor's table for the duration of the call.
func (s *Store) WithTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	if label == "" {
		return orcherr.New(orcherr.Invalid, "persistence: label is required")
	}

	start := time.Now()
	tx, acqErr := s.pool.Begin(ctx)
	s.recordAcquire(time.Since(start))
	if acqErr != nil {
		s.recordFailure(acqErr)
		return orcherr.Wrap(orcherr.Unavailable, "persistence: begin transaction failed", acqErr)
	}

	txID := s.beginTransaction(label)
	committed := false
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			s.endTransaction(txID, domain.TransactionRolledBack)
			panic(r)
		}
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		s.recordFailure(err)
		s.endTransaction(txID, domain.TransactionRolledBack)
		return err
	}

	if s.shouldForceAbort(txID) {
		s.endTransaction(txID, domain.TransactionTimeout)
		return orcherr.New(orcherr.Unavailable, "persistence: transaction forcibly rolled back by long-transaction monitor")
	}

	if err = tx.Commit(ctx); err != nil {
		s.recordFailure(err)
		s.endTransaction(txID, domain.TransactionRolledBack)
		return orcherr.Wrap(orcherr.Unavailable, "persistence: commit failed", err)
	}

	committed = true
	s.recordSuccess()
	s.endTransaction(txID, domain.TransactionCommitted)
	return nil
}

// ExecuteWithRetry retries op with exponential backoff and full jitter,
// capped at 5s per attempt, for retryable error classes (deadlock,
// serialization failure, lock timeout, connection reset). maxAttempts
// includes the first attempt.
func (s *Store) ExecuteWithRetry(ctx context.Context, label string, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	const capBackoff = 5 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}
		if isDeadlock(lastErr) {
			s.mu.Lock()
			s.deadlockCount++
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.retryCount++
		s.mu.Unlock()

		if attempt == maxAttempts {
			break
		}

		wait := jitteredBackoff(backoff, capBackoff)
		select {
		case <-ctx.Done():
			return orcherr.Wrap(orcherr.Unavailable, "persistence: retry aborted by context", ctx.Err())
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > capBackoff {
			backoff = capBackoff
		}
	}

	return orcherr.Wrap(orcherr.Unavailable, fmt.Sprintf("persistence: %s failed after %d attempts", label, maxAttempts), lastErr)
}
