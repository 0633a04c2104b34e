// Package handler exposes the data-subject-rights endpoints.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"custodia/internal/dsr"
	"custodia/internal/platform/middleware"
	"custodia/internal/transport/http/shared"
	dErrors "custodia/pkg/domain-errors"
)

// Handler handles DSR endpoints. Export serves authenticated callers; the
// mutating operations and reverse lookup are wired behind the admin gate by
// the router.
type Handler struct {
	processor *dsr.Processor
	logger    *slog.Logger
}

func New(processor *dsr.Processor, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, logger: logger}
}

// RegisterExport registers the read-side route.
func (h *Handler) RegisterExport(r chi.Router) {
	r.Get("/v1/dsr/export", h.handleExport)
}

// RegisterPrivileged registers the mutating and reverse-lookup routes.
func (h *Handler) RegisterPrivileged(r chi.Router) {
	r.Post("/v1/dsr/pseudonymize", h.handlePseudonymize)
	r.Delete("/v1/dsr/principals/{principalID}", h.handleErase)
	r.Get("/v1/dsr/reverse-lookup/{pseudonymID}", h.handleReverseLookup)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	q := r.URL.Query()

	req := dsr.ExportRequest{
		PrincipalID:    q.Get("principalId"),
		OrganizationID: q.Get("organizationId"),
		Format:         dsr.ExportFormat(q.Get("format")),
		RequestedBy:    middleware.GetSubject(ctx),
	}
	if req.Format == "" {
		req.Format = dsr.FormatJSON
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid from timestamp"))
			return
		}
		req.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid to timestamp"))
			return
		}
		req.To = t
	}
	if v := q.Get("includeMetadata"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid includeMetadata flag"))
			return
		}
		req.IncludeMetadata = include
	}

	export, err := h.processor.ExportUserData(ctx, req)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) || dErrors.HasCode(err, dErrors.CodeUnsupportedFormat) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to export user data",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to export user data"))
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(req.Format))
	w.Header().Set("X-Export-Request-Id", export.RequestID)
	w.Header().Set("X-Export-Record-Count", strconv.Itoa(export.RecordCount))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

func contentTypeFor(format dsr.ExportFormat) string {
	switch format {
	case dsr.FormatCSV:
		return "text/csv"
	case dsr.FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

type pseudonymizeRequest struct {
	PrincipalID string `json:"principalId"`
	Strategy    string `json:"strategy"`
}

func (h *Handler) handlePseudonymize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req pseudonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(dsr.StrategyHash)
	}

	result, err := h.processor.PseudonymizeUserData(ctx, req.PrincipalID, dsr.Strategy(req.Strategy), middleware.GetSubject(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to pseudonymize principal",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleErase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principalID := chi.URLParam(r, "principalID")
	preserve := true
	if v := r.URL.Query().Get("preserveCompliance"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid preserveCompliance flag"))
			return
		}
		preserve = p
	}

	result, err := h.processor.DeleteUserDataWithAuditTrail(ctx, principalID, middleware.GetSubject(ctx), preserve)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to erase principal",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, result)
}

type reverseLookupResponse struct {
	Found      bool   `json:"found"`
	OriginalID string `json:"originalId,omitempty"`
}

func (h *Handler) handleReverseLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	result, err := h.processor.GetOriginalID(ctx, chi.URLParam(r, "pseudonymID"))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "reverse lookup failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "reverse lookup failed"))
		return
	}

	if !result.Found {
		shared.WriteJSON(w, http.StatusNotFound, reverseLookupResponse{Found: false})
		return
	}
	shared.WriteJSON(w, http.StatusOK, reverseLookupResponse{Found: true, OriginalID: result.OriginalID})
}
