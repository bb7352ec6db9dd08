// Package orcherr defines the orchestrator's closed set of error kinds.
// Every component returns one of these wrapped in *Error instead of ad-hoc
// sentinels, so callers (notably the Control API's response mapper) can
// switch on Kind without knowing about every component's internal errors.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is the enumerated classification of an orchestrator error.
type Kind string

const (
	// Invalid marks a malformed or out-of-range request.
	Invalid Kind = "Invalid"
	// NotFound marks a reference to a worker, stream, or assignment that
	// does not exist.
	NotFound Kind = "NotFound"
	// Inactive marks an operation attempted against a worker that is not
	// currently Active.
	Inactive Kind = "Inactive"
	// NoCapacity marks a placement that would exceed every candidate
	// worker's remaining capacity.
	NoCapacity Kind = "NoCapacity"
	// AlreadyAssigned marks a losing side of a race on the same stream's
	// uniqueness invariant.
	AlreadyAssigned Kind = "AlreadyAssigned"
	// Unavailable marks a transient failure of a dependency (database,
	// pool exhaustion) that the caller may retry.
	Unavailable Kind = "Unavailable"
	// Internal marks a programmer error or unclassified failure.
	Internal Kind = "Internal"
)

// Error is the orchestrator's single error type. It always carries a Kind
// and a message, and may wrap an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, orcherr.New(orcherr.NotFound, "")) style checks are not the
// intended use — callers should instead use KindOf(err) == orcherr.NotFound,
// or errors.As to recover the *Error and compare Kind directly. Is is
// provided only so that errors.Is against a shared sentinel-shaped value
// (same Kind, no cause) still behaves sensibly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
