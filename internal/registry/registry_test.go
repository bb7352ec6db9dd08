package registry_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/orcherr"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, func()) {
	t.Helper()
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping Postgres-backed registry tests")
	}

	require.NoError(t, persistence.Migrate("pgx", pgURL))

	ctx := context.Background()
	store, err := persistence.Open(ctx, persistence.Config{
		DSN: pgURL, Min: 1, Max: 4,
		ConnectTimeout: 5 * time.Second, StatementTimeout: 5 * time.Second,
		LockTimeout: 5 * time.Second, IdleInTxTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	cleanup := func() {
		db, err := sql.Open("pgx", pgURL)
		if err == nil {
			db.Exec("TRUNCATE TABLE orchestrator_stream_assignments, orchestrator_instance_metrics, orchestrator_instances CASCADE")
			db.Close()
		}
		store.Close()
	}
	return registry.New(store), cleanup
}

func TestRegisterThenHeartbeat(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	result, err := r.Register(ctx, "worker-1", "10.0.0.1", 9000, 5)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, result.WasReregistration)

	err = r.Heartbeat(ctx, "worker-1", 2, domain.WorkerActive, &domain.ResourceMetrics{CPUPercent: 40})
	require.NoError(t, err)

	w, err := r.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 2, w.Load)
	require.Equal(t, domain.WorkerActive, w.Status)
}

func TestHeartbeatUnknownWorkerIsNotFound(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	err := r.Heartbeat(ctx, "ghost", 0, domain.WorkerActive, nil)
	require.Error(t, err)
	require.Equal(t, orcherr.NotFound, orcherr.KindOf(err))
}

func TestReregistrationReleasesPriorAssignments(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Register(ctx, "worker-2", "10.0.0.2", 9000, 3)
	require.NoError(t, err)

	db, err := sql.Open("pgx", os.Getenv("TEST_POSTGRES_URL"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`INSERT INTO orchestrator_stream_assignments (row_id, stream_id, worker_id, assigned_at, status)
		VALUES ('rereg-row-1', 77, 'worker-2', now(), 'Active')`)
	require.NoError(t, err)

	result, err := r.Register(ctx, "worker-2", "10.0.0.2", 9100, 7)
	require.NoError(t, err)
	require.True(t, result.WasReregistration)

	w, err := r.Get(ctx, "worker-2")
	require.NoError(t, err)
	require.Equal(t, 7, w.Capacity)
	require.Equal(t, 0, w.Load)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM orchestrator_stream_assignments
		WHERE worker_id = 'worker-2' AND status = 'Active'`).Scan(&remaining))
	require.Equal(t, 0, remaining)
}

func TestMarkStaleFlagsOldHeartbeats(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := r.Register(ctx, "worker-3", "10.0.0.3", 9000, 2)
	require.NoError(t, err)

	stale, err := r.MarkStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Contains(t, stale, "worker-3")

	w, err := r.Get(ctx, "worker-3")
	require.NoError(t, err)
	require.Equal(t, domain.WorkerInactive, w.Status)
}

func TestListActiveExcludesInactiveWorkers(t *testing.T) {
	r, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Register(ctx, fmt.Sprintf("worker-list-%d", i), "10.0.0.1", 9000, 1)
		require.NoError(t, err)
	}
	_, err := r.MarkStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 0)
}
