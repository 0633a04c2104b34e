// Package handler exposes retention policy administration and the manual
// sweep trigger.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"custodia/internal/platform/middleware"
	"custodia/internal/retention"
	"custodia/internal/transport/http/shared"
	dErrors "custodia/pkg/domain-errors"
)

// Handler handles retention endpoints. All of them are privileged.
type Handler struct {
	engine   *retention.Engine
	policies retention.PolicyStore
	logger   *slog.Logger
}

func New(engine *retention.Engine, policies retention.PolicyStore, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, policies: policies, logger: logger}
}

// Register registers the retention routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/retention/policies", h.handleListPolicies)
	r.Put("/v1/retention/policies", h.handleUpsertPolicy)
	r.Post("/v1/retention/sweep", h.handleSweep)
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	policies, err := h.policies.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list retention policies",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to list retention policies"))
		return
	}
	if policies == nil {
		policies = []*retention.Policy{}
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *Handler) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var policy retention.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := policy.Validate(); err != nil {
		shared.WriteError(w, err)
		return
	}

	if err := h.policies.Upsert(ctx, &policy); err != nil {
		h.logger.ErrorContext(ctx, "failed to upsert retention policy",
			"request_id", middleware.GetRequestID(ctx),
			"policy", policy.PolicyName,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to upsert retention policy"))
		return
	}
	shared.WriteJSON(w, http.StatusOK, policy)
}

type sweepResult struct {
	PolicyName       string           `json:"policyName"`
	RecordsArchived  int64            `json:"recordsArchived"`
	RecordsDeleted   int64            `json:"recordsDeleted"`
	ArchivedByAction map[string]int64 `json:"archivedByAction,omitempty"`
	DeletedByAction  map[string]int64 `json:"deletedByAction,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// handleSweep runs one full retention pass synchronously and reports the
// per-policy outcome, failures included.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results, err := h.engine.ApplyRetentionPolicies(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual retention sweep failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	out := make([]sweepResult, 0, len(results))
	for _, res := range results {
		sr := sweepResult{
			PolicyName:       res.PolicyName,
			RecordsArchived:  res.RecordsArchived,
			RecordsDeleted:   res.RecordsDeleted,
			ArchivedByAction: res.ArchivedByAction,
			DeletedByAction:  res.DeletedByAction,
		}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
		out = append(out, sr)
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"results": out})
}
