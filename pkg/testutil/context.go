package testutil

import (
	"context"
	"net/http"

	"custodia/internal/platform/middleware"
)

// WithSubject adds an authenticated subject to the request context.
// This simulates what the auth middleware would do for authenticated requests.
func WithSubject(req *http.Request, subject string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeySubject, subject)
	return req.WithContext(ctx)
}

// WithOrganization adds the caller's organization to the request context.
func WithOrganization(req *http.Request, organizationID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyOrganizationID, organizationID)
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
