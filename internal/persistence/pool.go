// Package persistence is the resilient storage layer every other
// orchestrator component sits on top of: a pooled Postgres connection
// (min/max sizing; statement/lock/idle-in-tx timeouts set once when each
// pooled connection is established, not on every acquisition),
// scoped transactional operations with guaranteed release, an intelligent
// retry primitive for deadlock/serialization failures, a capped ranked
// error-pattern table, and a long-transaction monitor.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/config"
)

// Config is the flat set of settings the pool construction needs;
// FromAppConfig builds it from the config package's database and pool
// sections.
type Config struct {
	DSN              string
	Min              int32
	Max              int32
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	IdleInTxTimeout  time.Duration
	ApplicationName  string
}

// FromAppConfig builds a Config from the application's database/pool
// configuration sections.
func FromAppConfig(db config.DatabaseConfig, pool config.PoolConfig, appName string) Config {
	return Config{
		DSN:              db.DSN,
		Min:              int32(pool.Min),
		Max:              int32(pool.Max),
		ConnectTimeout:   pool.ConnectTimeout,
		StatementTimeout: pool.StatementTimeout,
		LockTimeout:      pool.LockTimeout,
		IdleInTxTimeout:  pool.IdleInTxTimeout,
		ApplicationName:  appName,
	}
}

// Open constructs the pgxpool-backed pool with startup retry: the database
// is expected to be reachable within a bounded, exponentially backed-off
// window before Open gives up (spec's "non-zero exit on startup failure:
// unreachable database").
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}

	poolCfg.MinConns = cfg.Min
	poolCfg.MaxConns = cfg.Max
	if poolCfg.MaxConns < 1 {
		poolCfg.MaxConns = 1
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	statementTimeoutMs := cfg.StatementTimeout.Milliseconds()
	lockTimeoutMs := cfg.LockTimeout.Milliseconds()
	idleInTxMs := cfg.IdleInTxTimeout.Milliseconds()

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(
			"SET statement_timeout = %d; SET lock_timeout = %d; SET idle_in_transaction_session_timeout = %d",
			statementTimeoutMs, lockTimeoutMs, idleInTxMs,
		))
		if err != nil {
			return fmt.Errorf("persistence: apply session settings: %w", err)
		}
		var liveness int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&liveness); err != nil {
			return fmt.Errorf("persistence: liveness check: %w", err)
		}
		return nil
	}

	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	var pool *pgxpool.Pool
	var lastErr error
	for attempt := 1; attempt <= 8; attempt++ {
		pool, lastErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if lastErr == nil {
			if lastErr = pool.Ping(ctx); lastErr == nil {
				break
			}
			pool.Close()
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("persistence: startup aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("persistence: database unreachable after retries: %w", lastErr)
	}

	return newStore(pool), nil
}
