package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	Subject        string
	OrganizationID string
	Roles          []string
}

// Context keys for storing authenticated caller information
type contextKeySubject struct{}
type contextKeyOrganizationID struct{}
type contextKeyRoles struct{}

// ContextKeySubject is exported for use in handlers
var (
	ContextKeySubject        = contextKeySubject{}
	ContextKeyOrganizationID = contextKeyOrganizationID{}
	ContextKeyRoles          = contextKeyRoles{}
)

// GetSubject retrieves the authenticated subject from the context
func GetSubject(ctx context.Context) string {
	sub, ok := ctx.Value(ContextKeySubject).(string)
	if !ok {
		return ""
	}
	return sub
}

// GetOrganizationID retrieves the caller's organization from the context
func GetOrganizationID(ctx context.Context) string {
	org, ok := ctx.Value(ContextKeyOrganizationID).(string)
	if !ok {
		return ""
	}
	return org
}

func GetRoles(ctx context.Context) []string {
	roles, ok := ctx.Value(ContextKeyRoles).([]string)
	if !ok {
		return nil
	}
	return roles
}

func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if token, ok := strings.CutPrefix(authHeader, bearerPrefix); ok {
				claims, err := validator.ValidateToken(token)
				if err != nil {
					ctx := r.Context()
					logger.WarnContext(ctx, "unauthorized access - invalid token",
						"error", err,
						"request_id", GetRequestID(ctx),
					)
					writeUnauthorized(w, "Invalid or expired token")
					return
				}

				ctx := r.Context()
				ctx = context.WithValue(ctx, ContextKeySubject, claims.Subject)
				ctx = context.WithValue(ctx, ContextKeyOrganizationID, claims.OrganizationID)
				ctx = context.WithValue(ctx, ContextKeyRoles, claims.Roles)

				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// No Authorization header or invalid format
			ctx := r.Context()
			logger.WarnContext(ctx, "unauthorized access - missing token",
				"request_id", GetRequestID(ctx),
			)
			writeUnauthorized(w, "Missing or invalid Authorization header")
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
