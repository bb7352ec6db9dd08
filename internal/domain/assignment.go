package domain

import "time"

// AssignmentStatus is the lifecycle state of a StreamAssignment.
type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "Active"
	AssignmentUnassigned AssignmentStatus = "Unassigned"
	AssignmentReleased   AssignmentStatus = "Released"
)

// StreamAssignment binds one stream to one worker. At most one Active row
// may exist per StreamID at any time (I1 in spec.md §3).
type StreamAssignment struct {
	RowID      string
	StreamID   int64
	WorkerID   string
	AssignedAt time.Time
	Status     AssignmentStatus
}

// RebalanceKind distinguishes the two ways a rebalance can be triggered.
type RebalanceKind string

const (
	RebalanceOnDemand RebalanceKind = "on_demand"
	RebalanceFull     RebalanceKind = "full"
)

// RebalanceEvent is one row in the rebalance history log (§4.D).
type RebalanceEvent struct {
	ID                string
	Kind              RebalanceKind
	Reason            string
	StreamsMoved      int
	InstancesAffected int
	At                time.Time
}
