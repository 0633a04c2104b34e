// Package httptransport composes the service's HTTP surface. Handlers live
// with their modules; this package only wires them behind the right
// middleware chains.
package httptransport

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auditHandler "custodia/internal/audit/handler"
	dsrHandler "custodia/internal/dsr/handler"
	integrityHandler "custodia/internal/integrity/handler"
	"custodia/internal/platform/middleware"
	retentionHandler "custodia/internal/retention/handler"
)

// Deps carries everything the router needs.
type Deps struct {
	Audit     *auditHandler.Handler
	DSR       *dsrHandler.Handler
	Retention *retentionHandler.Handler
	Integrity *integrityHandler.Handler

	JWTValidator middleware.JWTValidator
	AdminKeyHash string
	DB           *sql.DB
	Logger       *slog.Logger
}

// NewRouter wires all endpoints. Reads and exports require a bearer token;
// mutating DSR operations, retention administration, and integrity sweeps
// additionally require the admin key.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", healthz(deps.DB))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(deps.JWTValidator, deps.Logger))
		deps.Audit.Register(r)
		deps.DSR.RegisterExport(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(deps.JWTValidator, deps.Logger))
		r.Use(middleware.RequireAdminKey(deps.AdminKeyHash, deps.Logger))
		deps.DSR.RegisterPrivileged(r)
		deps.Retention.Register(r)
		deps.Integrity.Register(r)
	})

	return r
}

func healthz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
