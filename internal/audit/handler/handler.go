// Package handler exposes the append and query endpoints of the event store.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"custodia/internal/audit"
	"custodia/internal/integrity"
	"custodia/internal/platform/middleware"
	"custodia/internal/transport/http/shared"
	dErrors "custodia/pkg/domain-errors"
)

// Handler handles audit event endpoints.
type Handler struct {
	writer *integrity.Writer
	events audit.Store
	logger *slog.Logger
}

func New(writer *integrity.Writer, events audit.Store, logger *slog.Logger) *Handler {
	return &Handler{writer: writer, events: events, logger: logger}
}

// Register registers the event routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/events", h.handleAppend)
	r.Get("/v1/events", h.handleQuery)
}

type appendRequest struct {
	PrincipalID        string         `json:"principalId"`
	OrganizationID     string         `json:"organizationId"`
	Action             string         `json:"action"`
	Status             string         `json:"status"`
	TargetResourceType string         `json:"targetResourceType"`
	TargetResourceID   string         `json:"targetResourceId"`
	DataClassification string         `json:"dataClassification"`
	RetentionPolicy    string         `json:"retentionPolicy"`
	Details            map[string]any `json:"details"`
	CorrelationID      string         `json:"correlationId"`
}

type appendResponse struct {
	ID            string `json:"id"`
	Hash          string `json:"hash"`
	HashAlgorithm string `json:"hashAlgorithm"`
	Timestamp     string `json:"timestamp"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid append request",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	event := &audit.Event{
		PrincipalID:        req.PrincipalID,
		OrganizationID:     req.OrganizationID,
		Action:             req.Action,
		Status:             audit.Status(req.Status),
		TargetResourceType: req.TargetResourceType,
		TargetResourceID:   req.TargetResourceID,
		DataClassification: audit.Classification(req.DataClassification),
		RetentionPolicy:    req.RetentionPolicy,
		Details:            audit.Details(req.Details),
		CorrelationID:      req.CorrelationID,
	}

	if err := h.writer.Record(ctx, event); err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to append event",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to append event"))
		return
	}

	shared.WriteJSON(w, http.StatusCreated, appendResponse{
		ID:            event.ID.String(),
		Hash:          event.Hash,
		HashAlgorithm: event.HashAlgorithm,
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	q := audit.Query{
		PrincipalID:    r.URL.Query().Get("principalId"),
		OrganizationID: r.URL.Query().Get("organizationId"),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid from timestamp"))
			return
		}
		q.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid to timestamp"))
			return
		}
		q.To = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid limit"))
			return
		}
		q.Limit = n
	}

	events, err := h.events.Query(ctx, q)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to query events",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to query events"))
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}

	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
