package placement_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/orcherr"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/placement"
	"github.com/streamfleet/orchestrator/internal/registry"
)

type harness struct {
	placer     *placement.Placer
	assignment *assignment.Store
	registry   *registry.Registry
	store      *persistence.Store
	cleanup    func()
}

func newHarness(t *testing.T) harness {
	t.Helper()
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping Postgres-backed placement tests")
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
	_, err = db.Exec("TRUNCATE TABLE orchestrator_stream_assignments, orchestrator_instance_metrics, orchestrator_instances, orchestrator_rebalance_history, streams CASCADE")
	require.NoError(t, err)

	return harness{
		placer:     placement.New(store, 0.20),
		assignment: assignment.New(store),
		registry:   registry.New(store),
		store:      store,
		cleanup: func() {
			db.Exec("TRUNCATE TABLE orchestrator_stream_assignments, orchestrator_instance_metrics, orchestrator_instances, orchestrator_rebalance_history, streams CASCADE")
			db.Close()
			store.Close()
		},
	}
}

func seedStreams(t *testing.T, h harness, n int) {
	t.Helper()
	db, err := sql.Open("pgx", os.Getenv("TEST_POSTGRES_URL"))
	require.NoError(t, err)
	defer db.Close()
	for i := 1; i <= n; i++ {
		_, err := db.Exec("INSERT INTO streams (id, name) VALUES ($1, $2)", i, fmt.Sprintf("stream-%d", i))
		require.NoError(t, err)
	}
}

func TestAssignToTakesLowestAvailableStreamIDsFirst(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, h, 5)
	_, err := h.registry.Register(ctx, "worker-p1", "10.0.0.1", 9000, 3)
	require.NoError(t, err)

	ids, err := h.placer.AssignTo(ctx, "worker-p1", 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	w, err := h.registry.Get(ctx, "worker-p1")
	require.NoError(t, err)
	require.Equal(t, 3, w.Load)
}

func TestAssignToReturnsNoCapacityWhenFull(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, h, 2)
	_, err := h.registry.Register(ctx, "worker-p2", "10.0.0.1", 9000, 1)
	require.NoError(t, err)

	_, err = h.placer.AssignTo(ctx, "worker-p2", 1)
	require.NoError(t, err)

	_, err = h.placer.AssignTo(ctx, "worker-p2", 1)
	require.Error(t, err)
	require.Equal(t, orcherr.NoCapacity, orcherr.KindOf(err))
}

func TestAssignToRejectsInactiveWorker(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, h, 2)
	_, err := h.registry.Register(ctx, "worker-p3", "10.0.0.1", 9000, 2)
	require.NoError(t, err)
	_, err = h.registry.MarkStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = h.placer.AssignTo(ctx, "worker-p3", 1)
	require.Error(t, err)
	require.Equal(t, orcherr.Inactive, orcherr.KindOf(err))
}

func TestFullRebalanceIsLoadPreservingAndProportional(t *testing.T) {
	h := newHarness(t)
	defer h.cleanup()
	ctx := context.Background()

	seedStreams(t, h, 22)
	_, err := h.registry.Register(ctx, "worker-a", "10.0.0.1", 9000, 20)
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, "worker-b", "10.0.0.1", 9001, 20)
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, "worker-c", "10.0.0.1", 9002, 20)
	require.NoError(t, err)

	for i := int64(1); i <= 18; i++ {
		require.NoError(t, h.assignment.Assign(ctx, i, "worker-a"))
	}
	for i := int64(19); i <= 20; i++ {
		require.NoError(t, h.assignment.Assign(ctx, i, "worker-b"))
	}
	for i := int64(21); i <= 22; i++ {
		require.NoError(t, h.assignment.Assign(ctx, i, "worker-c"))
	}

	require.NoError(t, h.placer.FullRebalance(ctx, "test-triggered rebalance"))

	active, err := h.assignment.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 22)

	wa, err := h.registry.Get(ctx, "worker-a")
	require.NoError(t, err)
	wb, err := h.registry.Get(ctx, "worker-b")
	require.NoError(t, err)
	wc, err := h.registry.Get(ctx, "worker-c")
	require.NoError(t, err)
	require.Equal(t, 22, wa.Load+wb.Load+wc.Load)

	mean := 22.0 / 3.0
	for _, load := range []int{wa.Load, wb.Load, wc.Load} {
		diff := float64(load) - mean
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqual(t, diff, 1.0)
	}
}
