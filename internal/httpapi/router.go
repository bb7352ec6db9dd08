package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/streamfleet/orchestrator/internal/httpapi/middleware"
)

// RouterConfig holds the settings NewRouter needs beyond the handler set
// itself: body-size cap and the shared-secret auth gate (spec §6's worker
// contract doesn't define an auth scheme, but every ambient HTTP surface in
// this codebase carries one).
type RouterConfig struct {
	MaxBodyBytes int64
	SharedSecret string
	AuthDisabled bool
}

const defaultMaxBodyBytes = 1 << 20 // 1MB

// NewRouter builds the Control API's chi router: request id/real ip/access
// log/recoverer, request tracing, body-size cap, then the shared-secret
// gate in front of every route but /health.
func NewRouter(server *Server, cfg RouterConfig) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MaxBodyBytes(cfg.MaxBodyBytes))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "streamfleet-control-api")
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.SharedSecret(cfg.SharedSecret, cfg.AuthDisabled))

		r.Post("/workers/register", server.Register)
		r.Post("/workers/{id}/heartbeat", server.Heartbeat)
		r.Post("/workers/{id}/assign", server.AssignStreams)
		r.Post("/workers/{id}/release", server.ReleaseStreams)
		r.Post("/workers/{id}/diagnostic", server.Diagnostic)
		r.Get("/workers", server.Instances)
		r.Get("/workers/{id}", server.Instance)
		r.Get("/assignments", server.Assignments)
		r.Get("/status", server.Status)
	})

	return r
}
