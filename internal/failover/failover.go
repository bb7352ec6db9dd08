// Package failover is the Failover Controller (spec §4.E): a short-period
// background cycle that detects assignments orphaned by a worker going
// stale or Inactive and redistributes them across the remaining fleet.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/scheduler"
)

// Controller runs the failover cycle against the persistence layer.
type Controller struct {
	store            *persistence.Store
	heartbeatTimeout time.Duration
}

// New builds a Controller. heartbeatTimeout matches the Worker Registry's
// staleness policy (spec default 5 minutes).
func New(store *persistence.Store, heartbeatTimeout time.Duration) *Controller {
	return &Controller{store: store, heartbeatTimeout: heartbeatTimeout}
}

// Run drives the periodic failover cycle until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, period, startupJitter time.Duration) {
	scheduler.Loop(ctx, "failover", period, startupJitter, c.RunOnce)
}

type candidate struct {
	ID        string
	Remaining int
}

// RunOnce executes a single failover cycle: detect orphans, pull them out
// of the Active set, recompute affected loads, then redistribute
// round-robin over active workers ranked ascending by load then descending
// by remaining capacity. Orphans that cannot be redistributed are left as
// Unassigned rows (not deleted) so the assignment table keeps a record of
// them for the next cycle or a fresh registration to pick up.
func (c *Controller) RunOnce(ctx context.Context) error {
	return c.store.WithTransaction(ctx, "failover_cycle", func(ctx context.Context, tx pgx.Tx) error {
		cutoff := time.Now().UTC().Add(-c.heartbeatTimeout)

		rows, err := tx.Query(ctx, `
			SELECT a.row_id, a.stream_id
			FROM orchestrator_stream_assignments a
			JOIN orchestrator_instances w ON w.id = a.worker_id
			WHERE a.status = 'Active' AND (w.status <> 'Active' OR w.last_heartbeat < $1)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failover: enumerate orphans: %w", err)
		}
		type orphan struct {
			RowID    string
			StreamID int64
		}
		var orphaned []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.RowID, &o.StreamID); err != nil {
				rows.Close()
				return fmt.Errorf("failover: scan orphan: %w", err)
			}
			orphaned = append(orphaned, o)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(orphaned) == 0 {
			return nil
		}

		orphanedRowIDs := make([]string, len(orphaned))
		for i, o := range orphaned {
			orphanedRowIDs[i] = o.RowID
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orchestrator_stream_assignments SET status = 'Unassigned'
			WHERE row_id = ANY($1)
		`, orphanedRowIDs); err != nil {
			return fmt.Errorf("failover: mark orphans unassigned: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orchestrator_instances oi SET load = (
				SELECT COUNT(*) FROM orchestrator_stream_assignments a
				WHERE a.worker_id = oi.id AND a.status = 'Active'
			)
		`); err != nil {
			return fmt.Errorf("failover: recompute loads: %w", err)
		}

		candRows, err := tx.Query(ctx, `
			SELECT id, capacity - load AS remaining
			FROM orchestrator_instances
			WHERE status = 'Active' AND last_heartbeat >= $1 AND capacity > load
			ORDER BY load ASC, remaining DESC
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failover: rank candidates: %w", err)
		}
		var candidates []candidate
		for candRows.Next() {
			var cd candidate
			if err := candRows.Scan(&cd.ID, &cd.Remaining); err != nil {
				candRows.Close()
				return fmt.Errorf("failover: scan candidate: %w", err)
			}
			candidates = append(candidates, cd)
		}
		if err := candRows.Err(); err != nil {
			return err
		}
		candRows.Close()

		if len(candidates) == 0 {
			slog.Warn("failover: no capacity available, orphans left unassigned", "count", len(orphaned))
			return nil
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		queued := 0
		loadDelta := make(map[string]int, len(candidates))
		idx := 0
		unassignedCount := 0
		for _, o := range orphaned {
			placed := false
			for attempts := 0; attempts < len(candidates); attempts++ {
				cd := &candidates[idx%len(candidates)]
				idx++
				if cd.Remaining <= 0 {
					continue
				}
				batch.Queue(`
					UPDATE orchestrator_stream_assignments
					SET worker_id = $2, assigned_at = $3, status = 'Active'
					WHERE row_id = $1
				`, o.RowID, cd.ID, now)
				cd.Remaining--
				loadDelta[cd.ID]++
				queued++
				placed = true
				break
			}
			if !placed {
				unassignedCount++
			}
		}

		if queued > 0 {
			br := tx.SendBatch(ctx, batch)
			for i := 0; i < queued; i++ {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return fmt.Errorf("failover: re-home redistributed assignment: %w", err)
				}
			}
			if err := br.Close(); err != nil {
				return fmt.Errorf("failover: close redistribution batch: %w", err)
			}
			for workerID, delta := range loadDelta {
				if _, err := tx.Exec(ctx,
					`UPDATE orchestrator_instances SET load = load + $2 WHERE id = $1`, workerID, delta,
				); err != nil {
					return fmt.Errorf("failover: update redistributed load: %w", err)
				}
			}
		}

		if unassignedCount > 0 {
			slog.Warn("failover: capacity saturated, some orphans left unassigned", "unassigned", unassignedCount)
		}
		slog.Info("failover: cycle complete", "orphaned", len(orphaned), "redistributed", queued)
		return nil
	})
}
