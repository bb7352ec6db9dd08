package reconciler_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/failover"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/placement"
	"github.com/streamfleet/orchestrator/internal/reconciler"
	"github.com/streamfleet/orchestrator/internal/registry"
)

type harness struct {
	recon      *reconciler.Reconciler
	assignment *assignment.Store
	registry   *registry.Registry
	cleanup    func()
}

func newHarness(t *testing.T) harness {
	t.Helper()
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping Postgres-backed reconciler tests")
	}

	require.NoError(t, persistence.Migrate("pgx", pgURL))

	ctx := context.Background()
	store, err := persistence.Open(ctx, persistence.Config{
		DSN: pgURL, Min: 1, Max: 4,
		ConnectTimeout: 5 * time.Second, StatementTimeout: 5 * time.Second,
		LockTimeout: 5 * time.Second, IdleInTxTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	db, err := sql.Open("pgx", pgURL)
	require.NoError(t, err)
	_, err = db.Exec("TRUNCATE TABLE orchestrator_stream_assignments, orchestrator_instance_metrics, orchestrator_instances, streams CASCADE")
	require.NoError(t, err)

	reg := registry.New(store)
	assign := assignment.New(store)
	placer := placement.New(store, 0.20)
	fc := failover.New(store, 5*time.Minute)
	recon := reconciler.New(store, reg, assign, placer, fc, 5*time.Minute, 3, 100)

	return harness{
		recon:      recon,
		assignment: assign,
		registry:   reg,
		cleanup: func() {
			db.Exec("TRUNCATE TABLE orchestrator_stream_assignments, orchestrator_instance_metrics, orchestrator_instances, streams CASCADE")
			db.Close()
			store.Close()
		},
	}
}

func seedStreams(t *testing.T, n int) {
	t.Helper()
	db, err := sql.Open("pgx", os.Getenv("TEST_POSTGRES_URL"))
	require.NoError(t, err)
	defer db.Close()
	for i := 1; i <= n; i++ {
		_, err := db.Exec("INSERT INTO streams (id, name) VALUES ($1, $2)", i, fmt.Sprintf("stream-%d", i))
		require.NoError(t, err)
	}
}

func TestRunOnceReportsPerfectScoreWithNoAnomalies(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, 2)
	_, err := h.registry.Register(ctx, "worker-clean", "10.0.0.1", 9000, 2)
	require.NoError(t, err)
	require.NoError(t, h.assignment.Assign(ctx, 1, "worker-clean"))
	require.NoError(t, h.assignment.Assign(ctx, 2, "worker-clean"))

	result, err := h.recon.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Anomalies)
	require.Equal(t, 1.0, result.ConsistencyScore)
}

func TestRunOnceDetectsStateMismatchAndRepairs(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, 1)
	_, err := h.registry.Register(ctx, "worker-mismatch", "10.0.0.1", 9000, 3)
	require.NoError(t, err)
	require.NoError(t, h.assignment.Assign(ctx, 1, "worker-mismatch"))

	// Force a drift: bump load without a matching assignment row.
	err = h.registry.Heartbeat(ctx, "worker-mismatch", 5, domain.WorkerActive, nil)
	require.NoError(t, err)

	result, err := h.recon.RunOnce(ctx)
	require.NoError(t, err)

	var found bool
	for _, a := range result.Anomalies {
		if a.Kind == domain.AnomalyStateMismatch {
			found = true
			require.True(t, a.Repaired)
		}
	}
	require.True(t, found)

	w, err := h.registry.Get(ctx, "worker-mismatch")
	require.NoError(t, err)
	require.Equal(t, 1, w.Load)
}

func TestRunOnceDetectsHeartbeatTimeout(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, 1)
	_, err := h.registry.Register(ctx, "worker-timeout", "10.0.0.1", 9000, 1)
	require.NoError(t, err)

	// Age the heartbeat past the harness's 5-minute timeout.
	db, err := sql.Open("pgx", os.Getenv("TEST_POSTGRES_URL"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("UPDATE orchestrator_instances SET last_heartbeat = $1 WHERE id = $2", time.Now().Add(-time.Hour), "worker-timeout")
	require.NoError(t, err)

	result, err := h.recon.RunOnce(ctx)
	require.NoError(t, err)

	var found bool
	for _, a := range result.Anomalies {
		if a.Kind == domain.AnomalyHeartbeatTimeout {
			found = true
			require.Contains(t, a.AffectedIDs, "worker-timeout")
		}
	}
	require.True(t, found)
}

func TestHistoryIsBoundedByConfiguredSize(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, 1)
	for i := 0; i < 5; i++ {
		_, err := h.recon.RunOnce(ctx)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, len(h.recon.History()), 100)
	require.GreaterOrEqual(t, len(h.recon.History()), 5)
}
