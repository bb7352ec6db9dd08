// Package domain holds the plain value types shared by every orchestrator
// component: worker instances, stream assignments, heartbeat samples, and
// the bookkeeping types the persistence layer and reconciler expose.
package domain

import "time"

// WorkerStatus is the lifecycle state of a WorkerInstance.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "Active"
	WorkerInactive WorkerStatus = "Inactive"
)

// WorkerInstance is one fleet worker: a process that captures audio from
// its assigned streams and submits it for identification.
type WorkerInstance struct {
	ID            string
	AddressHost   string
	AddressPort   int
	Capacity      int
	Load          int
	Status        WorkerStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// RemainingCapacity returns capacity minus load, never negative.
func (w WorkerInstance) RemainingCapacity() int {
	if r := w.Capacity - w.Load; r > 0 {
		return r
	}
	return 0
}

// IsStale reports whether the worker's last heartbeat is older than cutoff.
func (w WorkerInstance) IsStale(cutoff time.Time) bool {
	return w.LastHeartbeat.Before(cutoff)
}

// ResourceMetrics is the optional per-heartbeat sample attached to a
// WorkerInstance. It is stored as a time series for display only; it never
// feeds placement decisions.
type ResourceMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	LoadAvg1m     float64
	LoadAvg5m     float64
	LoadAvg15m    float64
	UptimeSeconds int64
}

// HeartbeatRecord is one append-only sample in a worker's metrics history.
type HeartbeatRecord struct {
	WorkerID string
	At       time.Time
	Status   WorkerStatus
	Load     int
	Metrics  *ResourceMetrics
}
