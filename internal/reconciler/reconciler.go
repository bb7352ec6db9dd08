// Package reconciler is the Consistency Reconciler (spec §4.F): a periodic
// cycle that verifies the orchestrator's recorded state matches observable
// reality, detects the six anomaly kinds, and auto-repairs when confident.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/failover"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/placement"
	"github.com/streamfleet/orchestrator/internal/registry"
	"github.com/streamfleet/orchestrator/internal/scheduler"
)

// WorkerReport is a worker's self-reported stream set, supplied optionally
// per cycle via the Diagnostic contract. Unauthorized cannot be detected
// without it.
type WorkerReport struct {
	WorkerID string
	Streams  []int64
}

// Reconciler runs the consistency cycle.
type Reconciler struct {
	store            *persistence.Store
	registry         *registry.Registry
	assignment       *assignment.Store
	placer           *placement.Placer
	failoverCtrl     *failover.Controller
	heartbeatTimeout time.Duration
	maxAttempts      int
	historySize      int

	mu              sync.Mutex
	history         []domain.DiagnosticResult
	attemptCount    map[string]int
	lastByWorker    map[string][]int64
	lastAuthOnly    map[string][]int64
	lastWorkerOnly  map[string][]int64

	reportsMu sync.Mutex
	reports   map[string]WorkerReport
}

// New builds a Reconciler. maxAttempts bounds repair attempts per anomaly
// signature (spec default 3); historySize bounds the retained report count
// (spec default 100).
func New(store *persistence.Store, reg *registry.Registry, assign *assignment.Store, placer *placement.Placer, fc *failover.Controller, heartbeatTimeout time.Duration, maxAttempts, historySize int) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if historySize <= 0 {
		historySize = 100
	}
	return &Reconciler{
		store:            store,
		registry:         reg,
		assignment:       assign,
		placer:           placer,
		failoverCtrl:     fc,
		heartbeatTimeout: heartbeatTimeout,
		maxAttempts:      maxAttempts,
		historySize:      historySize,
		attemptCount:     make(map[string]int),
		reports:          make(map[string]WorkerReport),
	}
}

// Run drives the periodic reconciliation cycle until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, period, startupJitter time.Duration) {
	scheduler.Loop(ctx, "reconciler", period, startupJitter, func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// ReportSelf records a worker's self-reported stream set for the next
// cycle. Reports are consumed (cleared) once used by RunOnce.
func (r *Reconciler) ReportSelf(workerID string, streams []int64) {
	r.reportsMu.Lock()
	defer r.reportsMu.Unlock()
	r.reports[workerID] = WorkerReport{WorkerID: workerID, Streams: streams}
}

// History returns the bounded, most-recent-first list of past diagnostic
// results.
func (r *Reconciler) History() []domain.DiagnosticResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DiagnosticResult, len(r.history))
	copy(out, r.history)
	return out
}

type snapshotWorker struct {
	ID            string
	Status        domain.WorkerStatus
	Load          int
	Capacity      int
	LastHeartbeat time.Time
}

// RunOnce executes one reconciliation cycle and returns its report.
func (r *Reconciler) RunOnce(ctx context.Context) (domain.DiagnosticResult, error) {
	workers, assignments, totalStreams, err := r.snapshot(ctx)
	if err != nil {
		return domain.DiagnosticResult{}, err
	}

	r.reportsMu.Lock()
	reports := r.reports
	r.reports = make(map[string]WorkerReport)
	r.reportsMu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-r.heartbeatTimeout)

	byWorker := map[string][]int64{}
	for _, a := range assignments {
		byWorker[a.WorkerID] = append(byWorker[a.WorkerID], a.StreamID)
	}
	byStream := map[int64][]string{}
	for _, a := range assignments {
		byStream[a.StreamID] = append(byStream[a.StreamID], a.WorkerID)
	}
	workersByID := map[string]snapshotWorker{}
	for _, w := range workers {
		workersByID[w.ID] = w
	}

	var anomalies []domain.Anomaly

	for streamID, owners := range byStream {
		worker, ok := workersByID[owners[0]]
		if len(owners) == 1 && (!ok || worker.Status != domain.WorkerActive || worker.LastHeartbeat.Before(cutoff)) {
			anomalies = append(anomalies, domain.Anomaly{
				Kind: domain.AnomalyOrphaned, Severity: domain.SeverityHigh,
				AffectedIDs: []string{fmt.Sprint(streamID)}, DetectedAt: now,
				Description:    fmt.Sprintf("stream %d is Active against a worker that is not healthy", streamID),
				Recommendation: "reassign to the least-loaded active worker with capacity",
			})
		}
	}

	for streamID, owners := range byStream {
		if len(owners) > 1 {
			anomalies = append(anomalies, domain.Anomaly{
				Kind: domain.AnomalyDuplicate, Severity: domain.SeverityCritical,
				AffectedIDs: []string{fmt.Sprint(streamID)}, DetectedAt: now,
				Description:    fmt.Sprintf("stream %d has %d Active rows", streamID, len(owners)),
				Recommendation: "keep the intended owner, release the rest",
			})
		}
	}

	var authOnly, workerOnly []int64
	perWorkerAuthOnly := map[string][]int64{}
	perWorkerWorkerOnly := map[string][]int64{}
	for _, rep := range reports {
		authSet := map[int64]bool{}
		for _, sid := range byWorker[rep.WorkerID] {
			authSet[sid] = true
		}
		repSet := map[int64]bool{}
		for _, sid := range rep.Streams {
			repSet[sid] = true
		}
		var unauthorized []int64
		for sid := range repSet {
			if !authSet[sid] {
				unauthorized = append(unauthorized, sid)
				workerOnly = append(workerOnly, sid)
				perWorkerWorkerOnly[rep.WorkerID] = append(perWorkerWorkerOnly[rep.WorkerID], sid)
			}
		}
		for sid := range authSet {
			if !repSet[sid] {
				authOnly = append(authOnly, sid)
				perWorkerAuthOnly[rep.WorkerID] = append(perWorkerAuthOnly[rep.WorkerID], sid)
			}
		}
		if len(unauthorized) > 0 {
			sort.Slice(unauthorized, func(i, j int) bool { return unauthorized[i] < unauthorized[j] })
			ids := make([]string, len(unauthorized))
			for i, sid := range unauthorized {
				ids[i] = fmt.Sprint(sid)
			}
			anomalies = append(anomalies, domain.Anomaly{
				Kind: domain.AnomalyUnauthorized, Severity: domain.SeverityMedium,
				AffectedIDs: ids, DetectedAt: now,
				Description:    fmt.Sprintf("worker %s reports streams with no Active row", rep.WorkerID),
				Recommendation: "legitimise if capacity allows, else instruct worker to drop",
			})
		}
	}

	for _, w := range workers {
		if w.Load != len(byWorker[w.ID]) {
			anomalies = append(anomalies, domain.Anomaly{
				Kind: domain.AnomalyStateMismatch, Severity: domain.SeverityWarning,
				AffectedIDs: []string{w.ID}, DetectedAt: now,
				Description:    fmt.Sprintf("worker %s load=%d but has %d active rows", w.ID, w.Load, len(byWorker[w.ID])),
				Recommendation: "recompute load from the assignment table",
			})
		}
		if w.Status == domain.WorkerActive && w.LastHeartbeat.Before(cutoff) {
			anomalies = append(anomalies, domain.Anomaly{
				Kind: domain.AnomalyHeartbeatTimeout, Severity: domain.SeverityCritical,
				AffectedIDs: []string{w.ID}, DetectedAt: now,
				Description:    fmt.Sprintf("worker %s marked Active but last heartbeat is stale", w.ID),
				Recommendation: "hand off to the failover controller",
			})
		}
	}

	if imbalanced, mean, maxLoad := detectImbalance(workers); imbalanced {
		anomalies = append(anomalies, domain.Anomaly{
			Kind: domain.AnomalyLoadImbalance, Severity: domain.SeverityWarning,
			DetectedAt:     now,
			Description:    fmt.Sprintf("max load %d exceeds mean %.2f by more than 20%%", maxLoad, mean),
			Recommendation: "request a full rebalance",
		})
	}

	criticalCount := 0
	for _, a := range anomalies {
		if a.Severity == domain.SeverityCritical {
			criticalCount++
		}
	}
	score := consistencyScore(totalStreams, len(anomalies), criticalCount)

	r.repair(ctx, anomalies)

	recommendations := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		recommendations = append(recommendations, a.Recommendation)
	}

	result := domain.DiagnosticResult{
		RunAt: now, Anomalies: anomalies, ConsistencyScore: score,
		TotalStreams: totalStreams, CriticalCount: criticalCount,
		AuthoritativeOnly: authOnly, WorkerOnly: workerOnly,
		Recommendations: recommendations,
	}

	r.mu.Lock()
	r.lastByWorker = byWorker
	r.lastAuthOnly = perWorkerAuthOnly
	r.lastWorkerOnly = perWorkerWorkerOnly
	r.mu.Unlock()

	r.appendHistory(result)
	return result, nil
}

// WorkerDiagnostic narrows the most recent cycle's result to the slice that
// concerns a single worker (spec §4.G: a per-worker consistency delta
// against authoritative state), rather than every reporter's anomalies.
// AuthoritativeOnly/WorkerOnly are replaced with that worker's own
// self-report delta, and Anomalies is filtered to those naming the worker
// itself, one of its assigned streams, or carrying no AffectedIDs at all
// (fleet-wide anomalies such as LoadImbalance apply to every worker).
func (r *Reconciler) WorkerDiagnostic(id string) domain.DiagnosticResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) == 0 {
		return domain.DiagnosticResult{RunAt: time.Now().UTC(), ConsistencyScore: 1.0}
	}

	latest := r.history[0]
	ownStreams := map[string]bool{id: true}
	for _, sid := range r.lastByWorker[id] {
		ownStreams[fmt.Sprint(sid)] = true
	}

	filtered := make([]domain.Anomaly, 0, len(latest.Anomalies))
	for _, a := range latest.Anomalies {
		if len(a.AffectedIDs) == 0 {
			filtered = append(filtered, a)
			continue
		}
		for _, affected := range a.AffectedIDs {
			if ownStreams[affected] {
				filtered = append(filtered, a)
				break
			}
		}
	}

	out := latest
	out.Anomalies = filtered
	out.AuthoritativeOnly = r.lastAuthOnly[id]
	out.WorkerOnly = r.lastWorkerOnly[id]
	return out
}

func detectImbalance(workers []snapshotWorker) (bool, float64, int) {
	active := make([]snapshotWorker, 0, len(workers))
	total := 0
	for _, w := range workers {
		if w.Status == domain.WorkerActive {
			active = append(active, w)
			total += w.Load
		}
	}
	if len(active) <= 1 || total == 0 {
		return false, 0, 0
	}
	mean := float64(total) / float64(len(active))
	maxLoad := 0
	for _, w := range active {
		if w.Load > maxLoad {
			maxLoad = w.Load
		}
	}
	return float64(maxLoad) > mean*1.20, mean, maxLoad
}

// consistencyScore implements max(0, 1 - issues/totalStreams) - 0.1*criticalCount.
func consistencyScore(totalStreams, issues, criticalCount int) float64 {
	if totalStreams == 0 {
		return 1.0
	}
	base := 1.0 - float64(issues)/float64(totalStreams)
	if base < 0 {
		base = 0
	}
	score := base - 0.1*float64(criticalCount)
	if score < 0 {
		score = 0
	}
	return score
}

// repair attempts auto-repair for each anomaly, respecting the
// per-signature attempt counter.
func (r *Reconciler) repair(ctx context.Context, anomalies []domain.Anomaly) {
	for i := range anomalies {
		a := &anomalies[i]
		sig := string(a.Kind) + ":" + fmt.Sprint(a.AffectedIDs)

		r.mu.Lock()
		attempts := r.attemptCount[sig]
		r.mu.Unlock()
		if attempts >= r.maxAttempts {
			continue
		}
		r.mu.Lock()
		r.attemptCount[sig] = attempts + 1
		r.mu.Unlock()
		a.AttemptCount = attempts + 1

		var err error
		switch a.Kind {
		case domain.AnomalyStateMismatch:
			err = r.recomputeLoad(ctx, a.AffectedIDs)
		case domain.AnomalyHeartbeatTimeout:
			err = r.failoverCtrl.RunOnce(ctx)
		case domain.AnomalyLoadImbalance:
			err = r.placer.FullRebalance(ctx, "reconciler-detected load imbalance")
		case domain.AnomalyOrphaned:
			err = r.repairOrphan(ctx, a.AffectedIDs)
		case domain.AnomalyDuplicate:
			err = r.repairDuplicate(ctx, a.AffectedIDs)
		default:
			continue
		}
		a.Repaired = err == nil
	}
}

func (r *Reconciler) recomputeLoad(ctx context.Context, workerIDs []string) error {
	return r.store.WithTransaction(ctx, "reconciler_recompute_load", func(ctx context.Context, tx pgx.Tx) error {
		for _, id := range workerIDs {
			if _, err := tx.Exec(ctx, `
				UPDATE orchestrator_instances SET load = (
					SELECT COUNT(*) FROM orchestrator_stream_assignments a
					WHERE a.worker_id = orchestrator_instances.id AND a.status = 'Active'
				) WHERE id = $1
			`, id); err != nil {
				return fmt.Errorf("reconciler: recompute load: %w", err)
			}
		}
		return nil
	})
}

// repairOrphan moves each orphaned stream's own row to the least-loaded
// active worker with spare capacity, or marks it Unassigned if none
// exists. It never calls AssignTo, which picks from the available-stream
// pool rather than the specific orphaned stream id.
func (r *Reconciler) repairOrphan(ctx context.Context, streamIDs []string) error {
	for _, sidStr := range streamIDs {
		var sid int64
		if _, err := fmt.Sscanf(sidStr, "%d", &sid); err != nil {
			continue
		}
		target, err := r.leastLoadedCandidate(ctx)
		if err != nil {
			continue
		}
		if err := r.store.WithTransaction(ctx, "reconciler_repair_orphan", func(ctx context.Context, tx pgx.Tx) error {
			var oldWorkerID string
			err := tx.QueryRow(ctx,
				`SELECT worker_id FROM orchestrator_stream_assignments WHERE stream_id = $1 AND status = 'Active'`, sid,
			).Scan(&oldWorkerID)
			if persistence.IsNoRows(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reconciler: lookup orphan row: %w", err)
			}

			if target == "" {
				if _, err := tx.Exec(ctx,
					`UPDATE orchestrator_stream_assignments SET status = 'Unassigned' WHERE stream_id = $1 AND status = 'Active'`, sid,
				); err != nil {
					return fmt.Errorf("reconciler: mark orphan unassigned: %w", err)
				}
			} else {
				if _, err := tx.Exec(ctx, `
					UPDATE orchestrator_stream_assignments
					SET worker_id = $2, assigned_at = $3, status = 'Active'
					WHERE stream_id = $1 AND status = 'Active'
				`, sid, target, time.Now().UTC()); err != nil {
					return fmt.Errorf("reconciler: re-home orphan: %w", err)
				}
				if _, err := tx.Exec(ctx,
					`UPDATE orchestrator_instances SET load = load + 1 WHERE id = $1`, target,
				); err != nil {
					return fmt.Errorf("reconciler: bump target load: %w", err)
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE orchestrator_instances SET load = GREATEST(load - 1, 0) WHERE id = $1`, oldWorkerID,
			); err != nil {
				return fmt.Errorf("reconciler: decrement orphaned worker load: %w", err)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) repairDuplicate(ctx context.Context, streamIDs []string) error {
	for _, sidStr := range streamIDs {
		var sid int64
		if _, err := fmt.Sscanf(sidStr, "%d", &sid); err != nil {
			continue
		}
		if err := r.store.WithTransaction(ctx, "reconciler_dedupe", func(ctx context.Context, tx pgx.Tx) error {
			var keepRowID string
			err := tx.QueryRow(ctx, `
				SELECT row_id FROM orchestrator_stream_assignments
				WHERE stream_id = $1 AND status = 'Active'
				ORDER BY worker_id ASC LIMIT 1
			`, sid).Scan(&keepRowID)
			if err != nil {
				return err
			}

			rows, err := tx.Query(ctx, `
				SELECT worker_id FROM orchestrator_stream_assignments
				WHERE stream_id = $1 AND status = 'Active' AND row_id <> $2
			`, sid, keepRowID)
			if err != nil {
				return fmt.Errorf("reconciler: list losing workers: %w", err)
			}
			var losers []string
			for rows.Next() {
				var wid string
				if err := rows.Scan(&wid); err != nil {
					rows.Close()
					return err
				}
				losers = append(losers, wid)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			rows.Close()

			if _, err := tx.Exec(ctx, `
				UPDATE orchestrator_stream_assignments SET status = 'Released'
				WHERE stream_id = $1 AND status = 'Active' AND row_id <> $2
			`, sid, keepRowID); err != nil {
				return err
			}
			for _, wid := range losers {
				if _, err := tx.Exec(ctx,
					`UPDATE orchestrator_instances SET load = GREATEST(load - 1, 0) WHERE id = $1`, wid,
				); err != nil {
					return fmt.Errorf("reconciler: decrement loser load: %w", err)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) leastLoadedCandidate(ctx context.Context) (string, error) {
	var id string
	err := r.store.WithConnection(ctx, "reconciler_least_loaded", func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
			SELECT id FROM orchestrator_instances
			WHERE status = 'Active' AND capacity > load
			ORDER BY load ASC LIMIT 1
		`).Scan(&id)
		if persistence.IsNoRows(err) {
			id = ""
			return nil
		}
		return err
	})
	return id, err
}

func (r *Reconciler) appendHistory(result domain.DiagnosticResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append([]domain.DiagnosticResult{result}, r.history...)
	if len(r.history) > r.historySize {
		r.history = r.history[:r.historySize]
	}
}

func (r *Reconciler) snapshot(ctx context.Context) ([]snapshotWorker, []assignment.ActivePair, int, error) {
	var workers []snapshotWorker
	var totalStreams int
	err := r.store.WithConnection(ctx, "reconciler_snapshot_workers", func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, status, load, capacity, last_heartbeat FROM orchestrator_instances`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var w snapshotWorker
			var status string
			if err := rows.Scan(&w.ID, &status, &w.Load, &w.Capacity, &w.LastHeartbeat); err != nil {
				return err
			}
			w.Status = domain.WorkerStatus(status)
			workers = append(workers, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reconciler: snapshot workers: %w", err)
	}

	assignments, err := r.assignment.ListActive(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reconciler: snapshot assignments: %w", err)
	}

	err = r.store.WithConnection(ctx, "reconciler_snapshot_total_streams", func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM streams`).Scan(&totalStreams)
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reconciler: snapshot total streams: %w", err)
	}

	return workers, assignments, totalStreams, nil
}
