package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/config"
	"github.com/streamfleet/orchestrator/internal/failover"
	"github.com/streamfleet/orchestrator/internal/httpapi"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/placement"
	"github.com/streamfleet/orchestrator/internal/reconciler"
	"github.com/streamfleet/orchestrator/internal/registry"
	"github.com/streamfleet/orchestrator/internal/scheduler"
	"github.com/streamfleet/orchestrator/pkg/observability"
)

const serviceName = "streamfleet-orchestrator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, cfg.Observability.ServiceName, cfg.Observability.ServiceVersion, cfg.Observability.CollectorURL, cfg.Observability.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.ServiceVersion, cfg.Observability.CollectorURL, cfg.Observability.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.ServiceVersion, cfg.Observability.CollectorURL, cfg.Observability.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownWithTimeout(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting "+serviceName)

	if err := persistence.Migrate(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	store, err := persistence.Open(ctx, persistence.FromAppConfig(cfg.Database, cfg.Pool, serviceName))
	if err != nil {
		return fmt.Errorf("failed to open persistence layer: %w", err)
	}
	defer store.Close()
	slog.InfoContext(ctx, "persistence layer initialized", "driver", cfg.Database.Driver)

	reg := registry.New(store)
	assign := assignment.New(store)
	placer := placement.New(store, cfg.Rebalance.ImbalanceThreshold)
	failoverCtrl := failover.New(store, cfg.Heartbeat.Timeout)
	rec := reconciler.New(store, reg, assign, placer, failoverCtrl, cfg.Heartbeat.Timeout, cfg.Reconciler.MaxAttemptsPerIssue, cfg.Reconciler.HistorySize)

	runBackgroundLoops(ctx, store, reg, failoverCtrl, rec, cfg)

	server := httpapi.New(store, reg, assign, placer, rec)
	httpServer := &http.Server{
		Addr: cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: httpapi.NewRouter(server, httpapi.RouterConfig{
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			SharedSecret: cfg.Auth.SharedSecret,
			AuthDisabled: cfg.Auth.Disabled,
		}),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "control API listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errResult <- fmt.Errorf("control API server failed: %w", err)
		}
	}()

	// Orchestrate graceful shutdown or handle fatal errors.
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "control API shutdown timed out, forcing close", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// runBackgroundLoops starts every cooperative periodic task against the
// same shutdown signal: worker staleness sweep, failover, consistency
// reconciliation, and the persistence layer's long-transaction monitor.
func runBackgroundLoops(ctx context.Context, store *persistence.Store, reg *registry.Registry, failoverCtrl *failover.Controller, rec *reconciler.Reconciler, cfg *config.Config) {
	go scheduler.Loop(ctx, "stale-sweep", cfg.Heartbeat.SweepPeriod, cfg.Heartbeat.SweepPeriod/3, func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-cfg.Heartbeat.Timeout)
		ids, err := reg.MarkStale(ctx, cutoff)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			slog.InfoContext(ctx, "stale-sweep: marked workers inactive", "count", len(ids))
		}
		return nil
	})

	go failoverCtrl.Run(ctx, cfg.Failover.Period, cfg.Failover.Period/3)
	go rec.Run(ctx, cfg.Reconciler.Period, cfg.Reconciler.Period/3)
	go store.RunLongTransactionMonitor(ctx, cfg.TxMonitor.WarningThreshold, cfg.TxMonitor.SweepPeriod)
}

func shutdownWithTimeout(shutdown func(context.Context) error, name string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shut down "+name, "error", err)
	}
}
