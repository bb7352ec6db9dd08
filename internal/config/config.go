// Package config loads the orchestrator's runtime configuration from
// environment variables using internal/env's reflection-based loader.
package config

import (
	"fmt"
	"time"

	"github.com/streamfleet/orchestrator/internal/env"
)

// Config is the full configuration tree for cmd/server.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Pool          PoolConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Heartbeat     HeartbeatConfig
	Rebalance     RebalanceConfig
	Failover      FailoverConfig
	Reconciler    ReconcilerConfig
	TxMonitor     TxMonitorConfig

	ShutdownTimeout time.Duration `env:"STREAMFLEET_SHUTDOWN_TIMEOUT" default:"15s"`
}

// ServerConfig holds HTTP Control API listener settings.
type ServerConfig struct {
	Host              string        `env:"STREAMFLEET_HTTP_HOST" default:""`
	Port              string        `env:"STREAMFLEET_HTTP_PORT" default:"8080"`
	ReadTimeout       time.Duration `env:"STREAMFLEET_HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `env:"STREAMFLEET_HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout       time.Duration `env:"STREAMFLEET_HTTP_IDLE_TIMEOUT" default:"120s"`
	ReadHeaderTimeout time.Duration `env:"STREAMFLEET_HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	MaxBodyBytes      int64         `env:"STREAMFLEET_HTTP_MAX_BODY_BYTES" default:"1048576"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	// Driver is "pgx" for PostgreSQL or "sqlite". Only persistence.Migrate
	// honours it; persistence.Open always builds a pgx (Postgres) pool.
	Driver string `env:"STREAMFLEET_DB_DRIVER" default:"pgx"`
	DSN    string `env:"STREAMFLEET_DB_DSN" default:""`
}

func (c DatabaseConfig) Validate() error {
	switch c.Driver {
	case "pgx", "sqlite":
	default:
		return fmt.Errorf("config: unknown STREAMFLEET_DB_DRIVER %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("config: STREAMFLEET_DB_DSN is required")
	}
	return nil
}

// PoolConfig mirrors spec.md §6's pool.* knobs.
type PoolConfig struct {
	Min              int           `env:"STREAMFLEET_POOL_MIN" default:"2"`
	Max              int           `env:"STREAMFLEET_POOL_MAX" default:"10"`
	ConnectTimeout   time.Duration `env:"STREAMFLEET_POOL_CONNECT_TIMEOUT" default:"5s"`
	StatementTimeout time.Duration `env:"STREAMFLEET_POOL_STATEMENT_TIMEOUT" default:"10s"`
	LockTimeout      time.Duration `env:"STREAMFLEET_POOL_LOCK_TIMEOUT" default:"5s"`
	IdleInTxTimeout  time.Duration `env:"STREAMFLEET_POOL_IDLE_IN_TX_TIMEOUT" default:"30s"`
}

func (c PoolConfig) Validate() error {
	if c.Min < 0 {
		return fmt.Errorf("config: STREAMFLEET_POOL_MIN must be >= 0")
	}
	if c.Max < 1 || c.Max < c.Min {
		return fmt.Errorf("config: STREAMFLEET_POOL_MAX must be >= 1 and >= pool.min")
	}
	if c.LockTimeout > 10*time.Second {
		return fmt.Errorf("config: STREAMFLEET_POOL_LOCK_TIMEOUT must be <= 10s")
	}
	return nil
}

// AuthConfig holds the Control API's shared-secret authentication settings.
type AuthConfig struct {
	SharedSecret string `env:"STREAMFLEET_API_SHARED_SECRET" default:""`
	Disabled     bool   `env:"STREAMFLEET_API_AUTH_DISABLED" default:"false"`
}

func (c AuthConfig) Validate() error {
	if !c.Disabled && c.SharedSecret == "" {
		return fmt.Errorf("config: STREAMFLEET_API_SHARED_SECRET is required unless STREAMFLEET_API_AUTH_DISABLED=true")
	}
	return nil
}

// ObservabilityConfig toggles OpenTelemetry export. CollectorURL (default
// http://localhost:4318) is passed to every exporter as an explicit
// endpoint, so OTEL_EXPORTER_OTLP_ENDPOINT is not consulted; ServiceVersion
// is stamped onto every exported resource instead of a hard-coded literal.
type ObservabilityConfig struct {
	Enabled        bool   `env:"STREAMFLEET_OTEL_ENABLED" default:"false"`
	ServiceName    string `env:"OTEL_SERVICE_NAME" default:"streamfleet-orchestrator"`
	ServiceVersion string `env:"STREAMFLEET_SERVICE_VERSION" default:"0.1.0"`
	CollectorURL   string `env:"STREAMFLEET_OTEL_COLLECTOR_URL" default:"http://localhost:4318"`
}

// HeartbeatConfig holds worker staleness detection settings (§4.B).
type HeartbeatConfig struct {
	Timeout     time.Duration `env:"STREAMFLEET_HEARTBEAT_TIMEOUT" default:"300s"`
	SweepPeriod time.Duration `env:"STREAMFLEET_HEARTBEAT_SWEEP_PERIOD" default:"30s"`
}

// RebalanceConfig holds the proactive-rebalance evaluation period (§4.D).
type RebalanceConfig struct {
	Period             time.Duration `env:"STREAMFLEET_REBALANCE_PERIOD" default:"60s"`
	ImbalanceThreshold float64       `env:"STREAMFLEET_IMBALANCE_THRESHOLD" default:"0.20"`
}

// FailoverConfig holds the orphan-sweep period (§4.E).
type FailoverConfig struct {
	Period time.Duration `env:"STREAMFLEET_FAILOVER_PERIOD" default:"10s"`
}

// ReconcilerConfig holds consistency-reconciliation settings (§4.F).
type ReconcilerConfig struct {
	Period              time.Duration `env:"STREAMFLEET_RECONCILER_PERIOD" default:"120s"`
	MaxAttemptsPerIssue int           `env:"STREAMFLEET_RECONCILER_MAX_ATTEMPTS" default:"3"`
	HistorySize         int           `env:"STREAMFLEET_RECONCILER_HISTORY_SIZE" default:"100"`
}

// TxMonitorConfig holds the long-transaction monitor's thresholds (§4.A).
type TxMonitorConfig struct {
	WarningThreshold time.Duration `env:"STREAMFLEET_TX_WARNING_THRESHOLD" default:"30s"`
	SweepPeriod      time.Duration `env:"STREAMFLEET_TX_MONITOR_SWEEP_PERIOD" default:"10s"`
}

// Load reads Config from the environment, applying defaults and validating
// every nested section.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
