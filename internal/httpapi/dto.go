package httpapi

import "time"

// RegisterRequest is the body of POST /v1/workers/register (spec §4.G).
type RegisterRequest struct {
	ID          string `json:"id" validate:"required"`
	AddressHost string `json:"address_host" validate:"required"`
	AddressPort int    `json:"address_port" validate:"required,min=1,max=65535"`
	Capacity    int    `json:"capacity" validate:"gte=0"`
}

// RegisterResponse reports whether the worker row was new and whether a
// re-registration released prior Active assignments.
type RegisterResponse struct {
	ID                string `json:"id"`
	Accepted          bool   `json:"accepted"`
	WasReregistration bool   `json:"was_reregistration"`
}

// ResourceMetricsRequest is the optional per-heartbeat resource sample
// (spec §3, not load-bearing for placement).
type ResourceMetricsRequest struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	LoadAvg1m     float64 `json:"load_avg_1m"`
	LoadAvg5m     float64 `json:"load_avg_5m"`
	LoadAvg15m    float64 `json:"load_avg_15m"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// HeartbeatRequest is the body of POST /v1/workers/{id}/heartbeat.
type HeartbeatRequest struct {
	Status  string                  `json:"status" validate:"required,oneof=Active Inactive"`
	Load    int                     `json:"load" validate:"gte=0"`
	Metrics *ResourceMetricsRequest `json:"metrics,omitempty"`
}

// HeartbeatResponse is the acknowledgement a heartbeat produces.
type HeartbeatResponse struct {
	Acknowledged  bool      `json:"acknowledged"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// AssignRequest is the body of POST /v1/workers/{id}/assign.
type AssignRequest struct {
	RequestedCount int `json:"requested_count" validate:"gte=0"`
}

// AssignResponse carries the newly assigned stream ids.
type AssignResponse struct {
	StreamIDs []int64 `json:"stream_ids"`
}

// ReleaseRequest is the body of POST /v1/workers/{id}/release.
type ReleaseRequest struct {
	StreamIDs []int64 `json:"stream_ids" validate:"required,min=1"`
}

// ReleaseResponse acknowledges a release; Released is the number of stream
// ids in the request, not the number of rows actually released.
type ReleaseResponse struct {
	Released int `json:"released"`
}

// InstanceResponse is the wire shape of a WorkerInstance.
type InstanceResponse struct {
	ID            string    `json:"id"`
	AddressHost   string    `json:"address_host"`
	AddressPort   int       `json:"address_port"`
	Capacity      int       `json:"capacity"`
	Load          int       `json:"load"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// AssignmentResponse is the wire shape of one Active (streamId, workerId)
// pair.
type AssignmentResponse struct {
	StreamID int64  `json:"stream_id"`
	WorkerID string `json:"worker_id"`
}

// TransactionInfoResponse is one in-flight transaction in a Health()
// snapshot.
type TransactionInfoResponse struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Elapsed  string `json:"elapsed"`
	Status   string `json:"status"`
}

// ErrorPatternResponse is one bucket of the ranked error-pattern table.
type ErrorPatternResponse struct {
	Signature string `json:"signature"`
	Count     int    `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	Severity  string `json:"severity"`
}

// PoolSnapshotResponse is the persistence layer's Health() view.
type PoolSnapshotResponse struct {
	PoolSize           int                       `json:"pool_size"`
	PoolInUse          int                       `json:"pool_in_use"`
	PoolIdle           int                       `json:"pool_idle"`
	SuccessCount       int64                     `json:"success_count"`
	FailureCount       int64                     `json:"failure_count"`
	DeadlockCount      int64                     `json:"deadlock_count"`
	RetryCount         int64                     `json:"retry_count"`
	AvgAcquireMillis   float64                   `json:"avg_acquire_millis"`
	MaxAcquireMillis   float64                   `json:"max_acquire_millis"`
	ActiveTransactions []TransactionInfoResponse `json:"active_transactions"`
	ErrorPatterns      []ErrorPatternResponse    `json:"error_patterns"`
}

// StatusResponse is the body of GET /v1/status: the pool snapshot plus an
// aggregate view of the fleet. Degraded subcomponents are named explicitly
// per spec §7 ("Status always returns something, even when subcomponents
// degrade").
type StatusResponse struct {
	Pool              PoolSnapshotResponse `json:"pool"`
	ActiveWorkers     int                  `json:"active_workers"`
	TotalLoad         int                  `json:"total_load"`
	TotalCapacity     int                  `json:"total_capacity"`
	ActiveAssignments int                  `json:"active_assignments"`
	Degraded          []string             `json:"degraded,omitempty"`
}

// AnomalyResponse is the wire shape of one reconciler finding.
type AnomalyResponse struct {
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	AffectedIDs    []string  `json:"affected_ids,omitempty"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	AttemptCount   int       `json:"attempt_count"`
	Repaired       bool      `json:"repaired"`
	DetectedAt     time.Time `json:"detected_at"`
}

// DiagnosticRequest is the body of POST /v1/workers/{id}/diagnostic: a
// worker's self-reported stream set, used to detect Unauthorized anomalies
// that the authoritative-only view cannot see.
type DiagnosticRequest struct {
	LocalStreams []int64 `json:"local_streams"`
	LocalCount   int     `json:"local_count"`
}

// DiagnosticResponse is one reconciliation cycle's report, scoped to the
// requesting worker's own delta against the authoritative state.
type DiagnosticResponse struct {
	RunAt             time.Time         `json:"run_at"`
	ConsistencyScore  float64           `json:"consistency_score"`
	TotalStreams      int               `json:"total_streams"`
	CriticalCount     int               `json:"critical_count"`
	AuthoritativeOnly []int64           `json:"authoritative_only"`
	WorkerOnly        []int64           `json:"worker_only"`
	Anomalies         []AnomalyResponse `json:"anomalies"`
	Recommendations   []string          `json:"recommendations"`
}
