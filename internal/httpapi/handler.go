// Package httpapi is the Control API (spec §4.G): the synchronous JSON
// request/response surface workers and operators use to register,
// heartbeat, request stream assignments, release them, and inspect fleet
// health. Each handler runs its component call in a short-lived
// transaction; the one exception is registration's proactive rebalance,
// which runs after commit and is safe to retry (spec §4.G).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/streamfleet/orchestrator/internal/assignment"
	"github.com/streamfleet/orchestrator/internal/domain"
	"github.com/streamfleet/orchestrator/internal/httpapi/response"
	"github.com/streamfleet/orchestrator/internal/persistence"
	"github.com/streamfleet/orchestrator/internal/placement"
	"github.com/streamfleet/orchestrator/internal/reconciler"
	"github.com/streamfleet/orchestrator/internal/registry"
)

// Server implements the Control API over the orchestrator's four
// subsystems. It holds no state of its own beyond the component handles
// passed to New — the composition root in cmd/server constructs everything
// once and threads it through here (spec §9, "from process-wide
// singletons to passed components").
type Server struct {
	store      *persistence.Store
	registry   *registry.Registry
	assignment *assignment.Store
	placer     *placement.Placer
	reconciler *reconciler.Reconciler
	validate   *validator.Validate
}

// New builds a Server over the orchestrator's component handles.
func New(store *persistence.Store, reg *registry.Registry, assign *assignment.Store, placer *placement.Placer, rec *reconciler.Reconciler) *Server {
	return &Server{
		store:      store,
		registry:   reg,
		assignment: assign,
		placer:     placer,
		reconciler: rec,
		validate:   validator.New(),
	}
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		response.BadRequest(w, "validation failed: "+err.Error())
		return false
	}
	return true
}

// Register handles POST /v1/workers/register. A successful registration
// with more than one active worker triggers the proactive-rebalance check
// after commit; a failure there is logged, never surfaced to the caller,
// since the caller's registration already succeeded (spec §4.D).
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.registry.Register(r.Context(), req.ID, req.AddressHost, req.AddressPort, req.Capacity)
	if err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.placer.MaybeRebalanceOnRegistration(ctx); err != nil {
			slog.Error("httpapi: post-registration rebalance check failed", "worker_id", req.ID, "error", err)
		}
	}()

	response.Created(w, RegisterResponse{
		ID:                req.ID,
		Accepted:          result.Accepted,
		WasReregistration: result.WasReregistration,
	})
}

// Heartbeat handles POST /v1/workers/{id}/heartbeat.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req HeartbeatRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	var metrics *domain.ResourceMetrics
	if req.Metrics != nil {
		metrics = &domain.ResourceMetrics{
			CPUPercent:    req.Metrics.CPUPercent,
			MemoryPercent: req.Metrics.MemoryPercent,
			DiskPercent:   req.Metrics.DiskPercent,
			LoadAvg1m:     req.Metrics.LoadAvg1m,
			LoadAvg5m:     req.Metrics.LoadAvg5m,
			LoadAvg15m:    req.Metrics.LoadAvg15m,
			UptimeSeconds: req.Metrics.UptimeSeconds,
		}
	}

	if err := s.registry.Heartbeat(r.Context(), id, req.Load, domain.WorkerStatus(req.Status), metrics); err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}

	response.OK(w, HeartbeatResponse{Acknowledged: true, LastHeartbeat: time.Now().UTC()})
}

// AssignStreams handles POST /v1/workers/{id}/assign.
func (s *Server) AssignStreams(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AssignRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	ids, err := s.placer.AssignTo(r.Context(), id, req.RequestedCount)
	if err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	response.OK(w, AssignResponse{StreamIDs: ids})
}

// ReleaseStreams handles POST /v1/workers/{id}/release.
func (s *Server) ReleaseStreams(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ReleaseRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.placer.Release(r.Context(), s.assignment, id, req.StreamIDs); err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}
	response.OK(w, ReleaseResponse{Released: len(req.StreamIDs)})
}

// Status handles GET /v1/status: pool health plus a fleet aggregate. It
// always returns something — per spec §7, degraded subcomponents are named
// rather than turning the whole endpoint into an error.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	health := s.store.Health()

	var degraded []string
	workers, err := s.registry.ListActive(r.Context())
	if err != nil {
		degraded = append(degraded, "registry: "+err.Error())
	}
	pairs, err := s.assignment.ListActive(r.Context())
	if err != nil {
		degraded = append(degraded, "assignment: "+err.Error())
	}

	totalLoad, totalCapacity := 0, 0
	for _, wk := range workers {
		totalLoad += wk.Load
		totalCapacity += wk.Capacity
	}

	response.OK(w, StatusResponse{
		Pool:              toPoolSnapshot(health),
		ActiveWorkers:     len(workers),
		TotalLoad:         totalLoad,
		TotalCapacity:     totalCapacity,
		ActiveAssignments: len(pairs),
		Degraded:          degraded,
	})
}

// Instances handles GET /v1/workers: every Active worker.
func (s *Server) Instances(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.ListActive(r.Context())
	if err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}
	out := make([]InstanceResponse, len(workers))
	for i, wk := range workers {
		out[i] = toInstanceResponse(wk)
	}
	response.OK(w, out)
}

// Instance handles GET /v1/workers/{id}.
func (s *Server) Instance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wk, err := s.registry.Get(r.Context(), id)
	if err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}
	response.OK(w, toInstanceResponse(wk))
}

// Assignments handles GET /v1/assignments: every Active (streamId,
// workerId) pair.
func (s *Server) Assignments(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.assignment.ListActive(r.Context())
	if err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}
	out := make([]AssignmentResponse, len(pairs))
	for i, p := range pairs {
		out[i] = AssignmentResponse{StreamID: p.StreamID, WorkerID: p.WorkerID}
	}
	response.OK(w, out)
}

// Diagnostic handles POST /v1/workers/{id}/diagnostic: a worker submits its
// self-reported stream set, the reconciler folds it into the next cycle's
// Unauthorized detection, and this handler returns that worker's slice of
// the most recent completed cycle so the worker can audit its own view
// without waiting indefinitely for the next tick.
func (s *Server) Diagnostic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		response.FromOrchestratorError(w, r, err)
		return
	}

	var req DiagnosticRequest
	if r.ContentLength != 0 {
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
	}
	s.reconciler.ReportSelf(id, req.LocalStreams)
	response.OK(w, toDiagnosticResponse(s.reconciler.WorkerDiagnostic(id)))
}

func toInstanceResponse(w domain.WorkerInstance) InstanceResponse {
	return InstanceResponse{
		ID:            w.ID,
		AddressHost:   w.AddressHost,
		AddressPort:   w.AddressPort,
		Capacity:      w.Capacity,
		Load:          w.Load,
		Status:        string(w.Status),
		RegisteredAt:  w.RegisteredAt,
		LastHeartbeat: w.LastHeartbeat,
	}
}

func toPoolSnapshot(h domain.HealthSnapshot) PoolSnapshotResponse {
	txs := make([]TransactionInfoResponse, len(h.ActiveTransactions))
	now := time.Now().UTC()
	for i, t := range h.ActiveTransactions {
		txs[i] = TransactionInfoResponse{
			ID:      t.ID,
			Label:   t.Label,
			Elapsed: t.Duration(now).String(),
			Status:  string(t.Status),
		}
	}
	patterns := make([]ErrorPatternResponse, len(h.ErrorPatterns))
	for i, p := range h.ErrorPatterns {
		patterns[i] = ErrorPatternResponse{
			Signature: p.Signature,
			Count:     p.Count,
			LastSeen:  p.LastSeen,
			Severity:  p.Severity,
		}
	}
	return PoolSnapshotResponse{
		PoolSize:           h.PoolSize,
		PoolInUse:          h.PoolInUse,
		PoolIdle:           h.PoolIdle,
		SuccessCount:       h.SuccessCount,
		FailureCount:       h.FailureCount,
		DeadlockCount:      h.DeadlockCount,
		RetryCount:         h.RetryCount,
		AvgAcquireMillis:   float64(h.AvgAcquire.Microseconds()) / 1000,
		MaxAcquireMillis:   float64(h.MaxAcquire.Microseconds()) / 1000,
		ActiveTransactions: txs,
		ErrorPatterns:      patterns,
	}
}

func toDiagnosticResponse(d domain.DiagnosticResult) DiagnosticResponse {
	anomalies := make([]AnomalyResponse, len(d.Anomalies))
	for i, a := range d.Anomalies {
		anomalies[i] = AnomalyResponse{
			Kind:           string(a.Kind),
			Severity:       string(a.Severity),
			AffectedIDs:    a.AffectedIDs,
			Description:    a.Description,
			Recommendation: a.Recommendation,
			AttemptCount:   a.AttemptCount,
			Repaired:       a.Repaired,
			DetectedAt:     a.DetectedAt,
		}
	}
	return DiagnosticResponse{
		RunAt:             d.RunAt,
		ConsistencyScore:  d.ConsistencyScore,
		TotalStreams:      d.TotalStreams,
		CriticalCount:     d.CriticalCount,
		AuthoritativeOnly: d.AuthoritativeOnly,
		WorkerOnly:        d.WorkerOnly,
		Anomalies:         anomalies,
		Recommendations:   d.Recommendations,
	}
}

