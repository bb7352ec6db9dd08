package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/streamfleet/orchestrator/internal/httpapi/response"
)

// SharedSecret is HTTP middleware enforcing the Control API's
// operator/worker shared-secret header. Workers and operators authenticate
// with "Authorization: Bearer <secret>"; the comparison is constant-time to
// avoid leaking the secret through response-timing side channels.
func SharedSecret(secret string, disabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if disabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(authHeader, "Bearer ")
			if !found || token == "" {
				slog.WarnContext(r.Context(), "httpapi: missing or malformed Authorization header",
					"path", r.URL.Path, "method", r.Method)
				response.Unauthorized(w, "missing or malformed Authorization header, expected: Bearer <token>")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				slog.WarnContext(r.Context(), "httpapi: shared secret mismatch", "path", r.URL.Path, "method", r.Method)
				response.Unauthorized(w, "invalid shared secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
