// Package assignment is the Assignment Store (spec §4.C): a thin
// table-backed API over StreamAssignment with atomic composite operations
// used by the placement and failover components.
package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/orcherr"
	"github.com/streamfleet/orchestrator/internal/persistence"
)

// Store is the Assignment Store backed by orchestrator_stream_assignments.
type Store struct {
	store *persistence.Store
}

// New builds a Store over the given persistence layer.
func New(store *persistence.Store) *Store {
	return &Store{store: store}
}

// ListActiveByWorker returns every streamId currently Active for workerId.
func (s *Store) ListActiveByWorker(ctx context.Context, workerID string) ([]int64, error) {
	var ids []int64
	err := s.store.WithConnection(ctx, "list_active_by_worker", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT stream_id FROM orchestrator_stream_assignments WHERE worker_id = $1 AND status = 'Active'`, workerID)
		if err != nil {
			return fmt.Errorf("assignment: list by worker: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("assignment: scan stream id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ActivePair is one (streamId, workerId) Active assignment.
type ActivePair struct {
	StreamID int64
	WorkerID string
}

// ListActive returns every currently Active assignment.
func (s *Store) ListActive(ctx context.Context) ([]ActivePair, error) {
	var pairs []ActivePair
	err := s.store.WithConnection(ctx, "list_active_assignments", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT stream_id, worker_id FROM orchestrator_stream_assignments WHERE status = 'Active'`)
		if err != nil {
			return fmt.Errorf("assignment: list active: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p ActivePair
			if err := rows.Scan(&p.StreamID, &p.WorkerID); err != nil {
				return fmt.Errorf("assignment: scan active pair: %w", err)
			}
			pairs = append(pairs, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// AvailableStreams returns every stream id in the catalog with no Active
// assignment, in ascending order.
func (s *Store) AvailableStreams(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.store.WithConnection(ctx, "available_streams", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT s.id FROM streams s
			WHERE NOT EXISTS (
				SELECT 1 FROM orchestrator_stream_assignments a
				WHERE a.stream_id = s.id AND a.status = 'Active'
			)
			ORDER BY s.id ASC
		`)
		if err != nil {
			return fmt.Errorf("assignment: available streams: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("assignment: scan available stream: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Assign inserts a new Active row for streamId→workerId and increments the
// worker's load, atomically, inside the caller-supplied transaction. It is
// exported so the Placement & Rebalancer can batch many assignments inside
// one transaction alongside its own worker-row locking.
func Assign(ctx context.Context, tx pgx.Tx, streamID int64, workerID string) error {
	var capacity, load int
	err := tx.QueryRow(ctx,
		`SELECT capacity, load FROM orchestrator_instances WHERE id = $1 FOR UPDATE`, workerID,
	).Scan(&capacity, &load)
	if err != nil {
		if persistence.IsNoRows(err) {
			return orcherr.New(orcherr.NotFound, "assignment: unknown worker "+workerID)
		}
		return fmt.Errorf("assignment: lock worker row: %w", err)
	}
	if load >= capacity {
		return orcherr.New(orcherr.NoCapacity, "assignment: worker "+workerID+" has no spare capacity")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orchestrator_stream_assignments (row_id, stream_id, worker_id, assigned_at, status)
		VALUES ($1, $2, $3, $4, 'Active')
	`, uuid.NewString(), streamID, workerID, time.Now().UTC())
	if err != nil {
		if persistence.IsUniqueViolation(err) {
			return orcherr.New(orcherr.AlreadyAssigned, "assignment: stream already has an active assignment")
		}
		return fmt.Errorf("assignment: insert active row: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE orchestrator_instances SET load = load + 1 WHERE id = $1`, workerID); err != nil {
		return fmt.Errorf("assignment: increment load: %w", err)
	}
	return nil
}

// Assign is the Store-level convenience wrapper that opens its own
// transaction for a single on-demand assignment.
func (s *Store) Assign(ctx context.Context, streamID int64, workerID string) error {
	return s.store.WithTransaction(ctx, "assign_stream", func(ctx context.Context, tx pgx.Tx) error {
		return Assign(ctx, tx, streamID, workerID)
	})
}

// ReleaseMany deletes Active rows for the given streamIds belonging to
// workerId, decrementing the worker's load by the number actually deleted
// (floored at zero). Missing rows are silently skipped — idempotent.
func (s *Store) ReleaseMany(ctx context.Context, workerID string, streamIDs []int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	return s.store.WithTransaction(ctx, "release_many", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM orchestrator_stream_assignments
			WHERE worker_id = $1 AND status = 'Active' AND stream_id = ANY($2)
		`, workerID, streamIDs)
		if err != nil {
			return fmt.Errorf("assignment: release many: %w", err)
		}
		return decrementLoad(ctx, tx, workerID, int(tag.RowsAffected()))
	})
}

// ReleaseAll deletes every Active row for workerId, used on re-registration
// and on eviction.
func (s *Store) ReleaseAll(ctx context.Context, workerID string) (int, error) {
	var released int
	err := s.store.WithTransaction(ctx, "release_all", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM orchestrator_stream_assignments WHERE worker_id = $1 AND status = 'Active'`, workerID)
		if err != nil {
			return fmt.Errorf("assignment: release all: %w", err)
		}
		released = int(tag.RowsAffected())
		return decrementLoad(ctx, tx, workerID, released)
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// MarkUnassignedByWorker sets status=Unassigned for all Active rows of a
// worker, used when a worker is removed but its assignments should be
// re-homed rather than simply dropped.
func (s *Store) MarkUnassignedByWorker(ctx context.Context, workerID string) (int, error) {
	var affected int
	err := s.store.WithTransaction(ctx, "mark_unassigned_by_worker", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orchestrator_stream_assignments SET status = 'Unassigned'
			WHERE worker_id = $1 AND status = 'Active'
		`, workerID)
		if err != nil {
			return fmt.Errorf("assignment: mark unassigned: %w", err)
		}
		affected = int(tag.RowsAffected())
		return decrementLoad(ctx, tx, workerID, affected)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func decrementLoad(ctx context.Context, tx pgx.Tx, workerID string, by int) error {
	if by <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE orchestrator_instances SET load = GREATEST(load - $2, 0) WHERE id = $1`, workerID, by)
	if err != nil {
		return fmt.Errorf("assignment: decrement load: %w", err)
	}
	return nil
}
