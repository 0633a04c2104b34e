// Package handler exposes the integrity verification sweep.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"custodia/internal/audit"
	"custodia/internal/integrity"
	"custodia/internal/platform/middleware"
	"custodia/internal/transport/http/shared"
	dErrors "custodia/pkg/domain-errors"
)

// Handler handles the verification sweep endpoint. Privileged.
type Handler struct {
	sweeper *integrity.Sweeper
	logger  *slog.Logger
}

func New(sweeper *integrity.Sweeper, logger *slog.Logger) *Handler {
	return &Handler{sweeper: sweeper, logger: logger}
}

// Register registers the integrity routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/integrity/verify", h.handleVerify)
}

type verifyRequest struct {
	PrincipalID    string `json:"principalId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	var from, to time.Time
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid from timestamp"))
			return
		}
		from = t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid to timestamp"))
			return
		}
		to = t
	}

	report, err := h.sweeper.VerifyRange(ctx, audit.Query{
		PrincipalID:    req.PrincipalID,
		OrganizationID: req.OrganizationID,
		From:           from,
		To:             to,
		Limit:          req.Limit,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "integrity sweep failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "integrity sweep failed"))
		return
	}

	shared.WriteJSON(w, http.StatusOK, report)
}
