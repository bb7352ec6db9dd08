// Package response is the Control API's JSON envelope: success helpers and
// the orchestrator error-kind-to-HTTP-status mapper every handler funnels
// through.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/streamfleet/orchestrator/internal/orcherr"
)

// OK sends a 200 OK response with JSON data.
func OK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to encode success response", "error", err)
	}
}

// Created sends a 201 Created response with JSON data.
func Created(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to encode created response", "error", err)
	}
}

// ErrorResponse is the standard error envelope every failed operation
// returns: a stable kind string and a short message (spec §7).
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind orcherr.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{Kind: string(kind), Message: message}})
}

// BadRequest sends a 400 with kind Invalid — used for malformed JSON and
// struct-tag validation failures that never reach a component.
func BadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, orcherr.Invalid, message)
}

// Unauthorized sends a 401 for a missing or wrong shared-secret header.
func Unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "Unauthorized", message)
}

// FromOrchestratorError maps a component error to its HTTP status using
// orcherr.KindOf, per the closed kind set in spec §7. Unavailable and
// Internal are logged server-side; the client only ever sees the kind and
// message, never the wrapped cause.
func FromOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	kind := orcherr.KindOf(err)
	message := "an internal error occurred"
	var oe *orcherr.Error
	if errors.As(err, &oe) {
		message = oe.Message
	}

	var status int
	switch kind {
	case orcherr.Invalid:
		status = http.StatusBadRequest
	case orcherr.NotFound:
		status = http.StatusNotFound
	case orcherr.Inactive:
		status = http.StatusConflict
	case orcherr.NoCapacity:
		status = http.StatusConflict
	case orcherr.AlreadyAssigned:
		status = http.StatusConflict
	case orcherr.Unavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if kind == orcherr.Unavailable || kind == orcherr.Internal {
		slog.ErrorContext(r.Context(), "httpapi: request failed", "kind", kind, "error", err)
	}
	writeError(w, status, kind, message)
}
