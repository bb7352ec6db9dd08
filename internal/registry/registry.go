// Package registry is the Worker Registry (spec §4.B): the authoritative
// lifecycle of worker instances — registration, heartbeats, staleness
// detection, and re-registration's atomic release of prior assignments.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/orcherr"
	"github.com/streamfleet/orchestrator/internal/persistence"
)

// Registry is the Worker Registry backed by the orchestrator_instances
// table.
type Registry struct {
	store *persistence.Store
}

// New builds a Registry over store.
func New(store *persistence.Store) *Registry {
	return &Registry{store: store}
}

// RegisterResult reports whether the id was new and whether prior Active
// assignments were released because of a re-registration.
type RegisterResult struct {
	Accepted          bool
	WasReregistration bool
}

// Register upserts a worker row with status=Active, load=0,
// lastHeartbeat=now. If id already existed, this is a re-registration: all
// prior Active assignments for that id are atomically released within the
// same transaction, so the Placement & Rebalancer can re-place them fresh.
func (r *Registry) Register(ctx context.Context, id, host string, port, capacity int) (RegisterResult, error) {
	if id == "" || capacity < 0 {
		return RegisterResult{}, orcherr.New(orcherr.Invalid, "registry: id and a non-negative capacity are required")
	}

	var result RegisterResult
	err := r.store.WithTransaction(ctx, "register_worker", func(ctx context.Context, tx pgx.Tx) error {
		var existed bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM orchestrator_instances WHERE id = $1 FOR UPDATE)`, id,
		).Scan(&existed); err != nil {
			return fmt.Errorf("registry: check existing worker: %w", err)
		}

		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `
			INSERT INTO orchestrator_instances (id, address_host, address_port, capacity, load, status, registered_at, last_heartbeat)
			VALUES ($1, $2, $3, $4, 0, 'Active', $5, $5)
			ON CONFLICT (id) DO UPDATE SET
				address_host = EXCLUDED.address_host,
				address_port = EXCLUDED.address_port,
				capacity = EXCLUDED.capacity,
				load = 0,
				status = 'Active',
				last_heartbeat = EXCLUDED.last_heartbeat
		`, id, host, port, capacity, now)
		if err != nil {
			return fmt.Errorf("registry: upsert worker: %w", err)
		}

		if existed {
			if _, err := tx.Exec(ctx,
				`DELETE FROM orchestrator_stream_assignments WHERE worker_id = $1 AND status = 'Active'`, id,
			); err != nil {
				return fmt.Errorf("registry: release prior assignments: %w", err)
			}
			result.WasReregistration = true
		}

		result.Accepted = true
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}
	return result, nil
}

// Heartbeat updates lastHeartbeat/load/status for an existing worker and
// appends a best-effort metrics sample. Fails with NotFound if the worker
// was never registered.
func (r *Registry) Heartbeat(ctx context.Context, id string, reportedLoad int, status domain.WorkerStatus, metrics *domain.ResourceMetrics) error {
	if id == "" {
		return orcherr.New(orcherr.Invalid, "registry: id is required")
	}

	return r.store.WithTransaction(ctx, "heartbeat", func(ctx context.Context, tx pgx.Tx) error {
		now := time.Now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE orchestrator_instances
			SET last_heartbeat = $2, load = $3, status = $4
			WHERE id = $1
		`, id, now, reportedLoad, string(status))
		if err != nil {
			return fmt.Errorf("registry: update heartbeat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return orcherr.New(orcherr.NotFound, "registry: worker "+id+" was never registered")
		}

		// Metrics sample is best-effort: failure here never fails the heartbeat.
		if metrics != nil {
			_, _ = tx.Exec(ctx, `
				INSERT INTO orchestrator_instance_metrics
					(worker_id, at, status, load, cpu_percent, memory_percent, disk_percent, load_avg_1m, load_avg_5m, load_avg_15m, uptime_seconds)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, id, now, string(status), reportedLoad,
				metrics.CPUPercent, metrics.MemoryPercent, metrics.DiskPercent,
				metrics.LoadAvg1m, metrics.LoadAvg5m, metrics.LoadAvg15m, metrics.UptimeSeconds)
		}
		return nil
	})
}

// MarkStale sets status=Inactive for every Active worker whose
// lastHeartbeat is older than cutoff, returning the affected ids.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.store.WithTransaction(ctx, "mark_stale_workers", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE orchestrator_instances
			SET status = 'Inactive'
			WHERE status = 'Active' AND last_heartbeat < $1
			RETURNING id
		`, cutoff)
		if err != nil {
			return fmt.Errorf("registry: mark stale: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("registry: scan stale id: %w", err)
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

// ListActive returns every worker currently in the Active state.
func (r *Registry) ListActive(ctx context.Context) ([]domain.WorkerInstance, error) {
	var workers []domain.WorkerInstance
	err := r.store.WithConnection(ctx, "list_active_workers", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, address_host, address_port, capacity, load, status, registered_at, last_heartbeat
			FROM orchestrator_instances WHERE status = 'Active'
		`)
		if err != nil {
			return fmt.Errorf("registry: list active workers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var w domain.WorkerInstance
			var status string
			if err := rows.Scan(&w.ID, &w.AddressHost, &w.AddressPort, &w.Capacity, &w.Load, &status, &w.RegisteredAt, &w.LastHeartbeat); err != nil {
				return fmt.Errorf("registry: scan worker: %w", err)
			}
			w.Status = domain.WorkerStatus(status)
			workers = append(workers, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// Get returns a single worker by id, or NotFound.
func (r *Registry) Get(ctx context.Context, id string) (domain.WorkerInstance, error) {
	var w domain.WorkerInstance
	err := r.store.WithConnection(ctx, "get_worker", func(ctx context.Context, conn *pgxpool.Conn) error {
		var status string
		err := conn.QueryRow(ctx, `
			SELECT id, address_host, address_port, capacity, load, status, registered_at, last_heartbeat
			FROM orchestrator_instances WHERE id = $1
		`, id).Scan(&w.ID, &w.AddressHost, &w.AddressPort, &w.Capacity, &w.Load, &status, &w.RegisteredAt, &w.LastHeartbeat)
		if err != nil {
			if persistence.IsNoRows(err) {
				return orcherr.New(orcherr.NotFound, "registry: worker "+id+" not found")
			}
			return fmt.Errorf("registry: get worker: %w", err)
		}
		w.Status = domain.WorkerStatus(status)
		return nil
	})
	if err != nil {
		return domain.WorkerInstance{}, err
	}
	return w, nil
}
