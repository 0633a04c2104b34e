package middleware

import (
	"log/slog"
	"net/http"

	"custodia/pkg/secrets"
)

// AdminKeyHeader carries the API key for privileged endpoints.
const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey gates privileged endpoints (reverse lookup, policy
// administration, manual sweeps) behind a bcrypt-verified API key. With no
// hash configured the endpoints are disabled outright.
func RequireAdminKey(keyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if keyHash == "" {
				logger.WarnContext(ctx, "privileged endpoint called with no admin key configured",
					"request_id", GetRequestID(ctx),
				)
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}

			key := r.Header.Get(AdminKeyHeader)
			if key == "" || secrets.Verify(key, keyHash) != nil {
				logger.WarnContext(ctx, "privileged endpoint rejected invalid admin key",
					"request_id", GetRequestID(ctx),
				)
				writeUnauthorized(w, "Missing or invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
