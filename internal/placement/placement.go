// Package placement is the Placement & Rebalancer (spec §4.D): decides
// which worker gets which streams, both on demand and via a periodic or
// registration-triggered full rebalance.
package placement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/orcherr"
	"github.com/streamfleet/orchestrator/internal/persistence"
)

// Placer is the Placement & Rebalancer. imbalanceThreshold is the
// fractional deviation from the mean load that triggers a full rebalance,
// configurable via config.RebalanceConfig (spec default 0.20).
type Placer struct {
	store              *persistence.Store
	imbalanceThreshold float64
}

// New builds a Placer over store with the configured imbalance threshold
// (spec default 0.20).
func New(store *persistence.Store, imbalanceThreshold float64) *Placer {
	if imbalanceThreshold <= 0 {
		imbalanceThreshold = 0.20
	}
	return &Placer{store: store, imbalanceThreshold: imbalanceThreshold}
}

// AssignTo implements the on-demand assignment algorithm: read the worker,
// reject if not Active, compute available slots, take the first k available
// streams in ascending id order, and insert them atomically.
func (p *Placer) AssignTo(ctx context.Context, workerID string, requestedCount int) ([]int64, error) {
	if requestedCount <= 0 {
		return nil, nil
	}

	var assigned []int64
	err := p.store.WithTransaction(ctx, "assign_to", func(ctx context.Context, tx pgx.Tx) error {
		var capacity, load int
		var status string
		err := tx.QueryRow(ctx,
			`SELECT capacity, load, status FROM orchestrator_instances WHERE id = $1 FOR UPDATE`, workerID,
		).Scan(&capacity, &load, &status)
		if err != nil {
			if persistence.IsNoRows(err) {
				return orcherr.New(orcherr.NotFound, "placement: worker "+workerID+" not found")
			}
			return fmt.Errorf("placement: lock worker: %w", err)
		}
		if status != "Active" {
			return orcherr.New(orcherr.Inactive, "placement: worker "+workerID+" is not active")
		}

		slots := capacity - load
		if slots <= 0 {
			return orcherr.New(orcherr.NoCapacity, "placement: worker "+workerID+" has no spare capacity")
		}

		available, err := availableStreamsTx(ctx, tx)
		if err != nil {
			return err
		}

		k := min3(slots, requestedCount, len(available))
		if k == 0 {
			return nil
		}
		chosen := available[:k]

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, streamID := range chosen {
			batch.Queue(`
				INSERT INTO orchestrator_stream_assignments (row_id, stream_id, worker_id, assigned_at, status)
				VALUES ($1, $2, $3, $4, 'Active')
			`, uuid.NewString(), streamID, workerID, now)
		}
		br := tx.SendBatch(ctx, batch)
		for range chosen {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("placement: insert assignment: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("placement: close batch: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orchestrator_instances SET load = load + $2 WHERE id = $1`, workerID, k,
		); err != nil {
			return fmt.Errorf("placement: update load: %w", err)
		}

		assigned = chosen
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

func availableStreamsTx(ctx context.Context, tx pgx.Tx) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT s.id FROM streams s
		WHERE NOT EXISTS (
			SELECT 1 FROM orchestrator_stream_assignments a
			WHERE a.stream_id = s.id AND a.status = 'Active'
		)
		ORDER BY s.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("placement: available streams: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("placement: scan available stream: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Release delegates to the Assignment Store and succeeds idempotently.
func (p *Placer) Release(ctx context.Context, store *assignment.Store, workerID string, streamIDs []int64) error {
	return store.ReleaseMany(ctx, workerID, streamIDs)
}

// activeWorker is the subset of worker state the rebalance algorithms need.
type activeWorker struct {
	ID       string
	Capacity int
	Load     int
}

// MaybeRebalanceOnRegistration implements the proactive-rebalance trigger:
// after a successful registration with more than one active worker and
// non-zero total load, run a full rebalance if the most-loaded worker
// exceeds the mean by more than the configured threshold.
func (p *Placer) MaybeRebalanceOnRegistration(ctx context.Context) error {
	var workers []activeWorker
	var totalLoad int
	err := p.store.WithConnection(ctx, "rebalance_check", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, capacity, load FROM orchestrator_instances WHERE status = 'Active'`)
		if err != nil {
			return fmt.Errorf("placement: list active workers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var w activeWorker
			if err := rows.Scan(&w.ID, &w.Capacity, &w.Load); err != nil {
				return fmt.Errorf("placement: scan worker: %w", err)
			}
			workers = append(workers, w)
			totalLoad += w.Load
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	if len(workers) <= 1 || totalLoad == 0 {
		return nil
	}

	mean := float64(totalLoad) / float64(len(workers))
	maxLoad := 0
	for _, w := range workers {
		if w.Load > maxLoad {
			maxLoad = w.Load
		}
	}
	if float64(maxLoad) <= mean*(1+p.imbalanceThreshold) {
		return nil
	}

	reason := fmt.Sprintf("most-loaded worker load %d exceeds mean %.2f by more than %.0f%%", maxLoad, mean, p.imbalanceThreshold*100)
	return p.FullRebalance(ctx, reason)
}

// FullRebalance implements the capacity-weighted redistribution: delete all
// Active rows, compute a target count per worker proportional to capacity
// (the last worker absorbing the remainder), reinsert that many rows
// pointing at each worker walking the stream set in ascending id order, and
// recompute every worker's load from the assignment table.
func (p *Placer) FullRebalance(ctx context.Context, reason string) error {
	var streamsMoved, instancesAffected int
	err := p.store.WithTransaction(ctx, "full_rebalance", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, capacity FROM orchestrator_instances WHERE status = 'Active' ORDER BY id ASC FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("placement: lock active workers: %w", err)
		}
		var workers []activeWorker
		for rows.Next() {
			var w activeWorker
			if err := rows.Scan(&w.ID, &w.Capacity); err != nil {
				rows.Close()
				return fmt.Errorf("placement: scan worker: %w", err)
			}
			workers = append(workers, w)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(workers) == 0 {
			return nil
		}

		streamRows, err := tx.Query(ctx,
			`SELECT stream_id FROM orchestrator_stream_assignments WHERE status = 'Active' ORDER BY stream_id ASC`)
		if err != nil {
			return fmt.Errorf("placement: list active assignments: %w", err)
		}
		var streams []int64
		for streamRows.Next() {
			var id int64
			if err := streamRows.Scan(&id); err != nil {
				streamRows.Close()
				return fmt.Errorf("placement: scan stream: %w", err)
			}
			streams = append(streams, id)
		}
		if err := streamRows.Err(); err != nil {
			return err
		}
		streamRows.Close()
		if len(streams) == 0 {
			return nil
		}

		totalCapacity := 0
		for _, w := range workers {
			totalCapacity += w.Capacity
		}
		if totalCapacity < len(streams) {
			return orcherr.New(orcherr.NoCapacity, "placement: total capacity is below active stream count")
		}

		targets := targetDistribution(workers, len(streams), totalCapacity)

		if _, err := tx.Exec(ctx, `DELETE FROM orchestrator_stream_assignments WHERE status = 'Active'`); err != nil {
			return fmt.Errorf("placement: clear active assignments: %w", err)
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		queued := 0
		streamIdx := 0
		for _, w := range workers {
			target := targets[w.ID]
			for i := 0; i < target && streamIdx < len(streams); i++ {
				batch.Queue(`
					INSERT INTO orchestrator_stream_assignments (row_id, stream_id, worker_id, assigned_at, status)
					VALUES ($1, $2, $3, $4, 'Active')
				`, uuid.NewString(), streams[streamIdx], w.ID, now)
				streamIdx++
				queued++
			}
			if target > 0 {
				instancesAffected++
			}
		}
		if queued > 0 {
			br := tx.SendBatch(ctx, batch)
			for i := 0; i < queued; i++ {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return fmt.Errorf("placement: reinsert assignment: %w", err)
				}
			}
			if err := br.Close(); err != nil {
				return fmt.Errorf("placement: close reinsert batch: %w", err)
			}
		}
		streamsMoved = queued

		if _, err := tx.Exec(ctx, `
			UPDATE orchestrator_instances oi SET load = (
				SELECT COUNT(*) FROM orchestrator_stream_assignments a
				WHERE a.worker_id = oi.id AND a.status = 'Active'
			) WHERE oi.status = 'Active'
		`); err != nil {
			return fmt.Errorf("placement: recompute loads: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO orchestrator_rebalance_history (id, kind, reason, streams_moved, instances_affected, at)
			VALUES ($1, 'full', $2, $3, $4, $5)
		`, uuid.NewString(), reason, streamsMoved, instancesAffected, now)
		if err != nil {
			return fmt.Errorf("placement: append rebalance history: %w", err)
		}
		return nil
	})
	return err
}

// targetDistribution computes target(w) = min(floor(|S|*w.capacity/total), remaining, w.capacity)
// for every worker but the last, which absorbs whatever remains.
func targetDistribution(workers []activeWorker, totalStreams, totalCapacity int) map[string]int {
	sorted := make([]activeWorker, len(workers))
	copy(sorted, workers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	targets := make(map[string]int, len(sorted))
	remaining := totalStreams
	for i, w := range sorted {
		if i == len(sorted)-1 {
			targets[w.ID] = remaining
			continue
		}
		target := (totalStreams * w.Capacity) / totalCapacity
		if target > remaining {
			target = remaining
		}
		if target > w.Capacity {
			target = w.Capacity
		}
		targets[w.ID] = target
		remaining -= target
	}
	return targets
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
