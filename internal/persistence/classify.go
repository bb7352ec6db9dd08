package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes the retry classifier treats as retryable.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCrashShutdown        = "57P02"
	sqlStateCannotConnectNow     = "57P03"

	// sqlStateUniqueViolation is not retryable — it signals a concurrent
	// writer won a race this transaction should surface, not retry.
	sqlStateUniqueViolation = "23505"
)

// isRetryable classifies an error as transient (deadlock/serialization
// failure, lock timeout, connection reset, server-closed connection) versus
// permanent (syntax, missing object, permission, authentication). Uses
// pgconn.PgError, the native pgx/v5 error type, for SQLSTATE inspection.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure,
			sqlStateDeadlockDetected,
			sqlStateLockNotAvailable,
			sqlStateQueryCanceled,
			sqlStateAdminShutdown,
			sqlStateCrashShutdown,
			sqlStateCannotConnectNow:
			return true
		}
		// Class 08 (connection exception) and 53 (insufficient resources)
		// are always transient.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53") {
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateDeadlockDetected || pgErr.Code == sqlStateSerializationFailure
	}
	return false
}

// errorSignature reduces an error to a stable key for the ranked
// error-pattern table: the SQLSTATE code and severity when available, else
// the error's message text prefixed with "generic:".
func errorSignature(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code + ":" + pgErr.Severity
	}
	return errorTypeName(err)
}

func errorTypeName(err error) string {
	if err == nil {
		return "nil"
	}
	return "generic:" + err.Error()
}

func severityFor(err error) string {
	if isDeadlock(err) {
		return "critical"
	}
	if isRetryable(err) {
		return "warning"
	}
	return "error"
}

// jitteredBackoff returns a duration uniformly sampled in [0, min(base,cap)),
// i.e. full jitter, per the teacher's FailJob retry policy.
func jitteredBackoff(base, cap time.Duration) time.Duration {
	if base > cap {
		base = cap
	}
	if base <= 0 {
		return 0
	}
	return rand.N(base)
}
