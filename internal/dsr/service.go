package dsr

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/audit"
	"custodia/internal/dsr/metrics"
	"custodia/internal/integrity"
	"custodia/internal/kms"
	"custodia/internal/pseudonym"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/secrets"
)

const pseudonymPrefix = "pseudo-"

// Processor serves data-subject-rights requests against the event store.
// Mutating operations run inside one transaction per request and append a
// sealed event describing what was done.
type Processor struct {
	events   audit.Store
	mappings pseudonym.Store
	writer   *integrity.Writer
	keys     kms.Service
	txs      TxRunner
	salt     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// ProcessorOption configures the Processor.
type ProcessorOption func(*Processor)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the processor. The salt keys the deterministic hash
// strategy and must be a stable, operator-supplied secret: changing it breaks
// the principal-to-pseudonym correspondence for every prior hash-strategy run.
func NewProcessor(events audit.Store, mappings pseudonym.Store, writer *integrity.Writer, keys kms.Service, txs TxRunner, salt string, logger *slog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if salt == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "pseudonymization salt must be configured")
	}
	p := &Processor{
		events:   events,
		mappings: mappings,
		writer:   writer,
		keys:     keys,
		txs:      txs,
		salt:     salt,
		logger:   logger,
		tracer:   otel.Tracer("custodia/dsr"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ExportUserData gathers every event matching the request and serializes it
// in the requested format. The export is returned to the caller, never
// persisted; only the fact that an export happened is appended to the store.
func (p *Processor) ExportUserData(ctx context.Context, req ExportRequest) (*Export, error) {
	ctx, span := p.tracer.Start(ctx, "dsr.export")
	defer span.End()

	if req.PrincipalID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "principal id is required")
	}
	format, err := ParseExportFormat(string(req.Format))
	if err != nil {
		return nil, err
	}

	events, err := p.events.Query(ctx, audit.Query{
		PrincipalID:    req.PrincipalID,
		OrganizationID: req.OrganizationID,
		From:           req.From,
		To:             req.To,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query events for export")
	}

	meta := buildExportMetadata(events)
	var serializedMeta *ExportMetadata
	if req.IncludeMetadata {
		serializedMeta = &meta
	}

	data, err := serialize(format, events, serializedMeta)
	if err != nil {
		return nil, err
	}

	suffix, err := secrets.RandomHex(4)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate export request id")
	}
	export := &Export{
		RequestID:   fmt.Sprintf("export-%d-%s", p.now().UnixNano(), suffix),
		RecordCount: len(events),
		DataSize:    len(data),
		Data:        data,
		Metadata:    meta,
	}

	if p.metrics != nil {
		p.metrics.Exports.WithLabelValues(string(format)).Inc()
	}
	p.logger.InfoContext(ctx, "data export served",
		"request_id", export.RequestID,
		"format", string(format),
		"record_count", export.RecordCount,
		"data_size", export.DataSize,
	)

	p.selfLog(ctx, ActionExport, req.PrincipalID, audit.Details{
		"requestId":   export.RequestID,
		"format":      string(format),
		"recordCount": export.RecordCount,
		"dataSize":    export.DataSize,
		"requestedBy": req.RequestedBy,
	})
	return export, nil
}

func buildExportMetadata(events []*audit.Event) ExportMetadata {
	var meta ExportMetadata
	if len(events) == 0 {
		return meta
	}

	// Query results are timestamp-ascending.
	earliest := events[0].Timestamp
	latest := events[len(events)-1].Timestamp
	meta.EarliestRecord = &earliest
	meta.LatestRecord = &latest

	actions := make(map[string]struct{})
	policies := make(map[string]struct{})
	for _, e := range events {
		actions[e.Action] = struct{}{}
		if e.RetentionPolicy != "" {
			policies[e.RetentionPolicy] = struct{}{}
		}
	}
	meta.ActionCategories = sortedKeys(actions)
	meta.RetentionPolicies = sortedKeys(policies)
	return meta
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PseudonymizeUserData replaces a principal's identifier on every event with
// a derived pseudonym and records an encrypted reverse mapping. The mapping
// insert and the bulk rewrite commit together or not at all.
func (p *Processor) PseudonymizeUserData(ctx context.Context, principalID string, strategy Strategy, requestedBy string) (*PseudonymizationResult, error) {
	ctx, span := p.tracer.Start(ctx, "dsr.pseudonymize")
	defer span.End()

	if principalID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "principal id is required")
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	// Encrypt outside the transaction: a slow or failing key-management call
	// must never hold row locks or leave a half-applied rewrite behind.
	ciphertext, err := p.keys.Encrypt(ctx, []byte(principalID))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyManagement, "encrypt original identifier")
	}

	result, err := p.applyPseudonymization(ctx, principalID, strategy, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.Pseudonymizations.WithLabelValues(string(strategy)).Inc()
	}
	p.logger.InfoContext(ctx, "principal pseudonymized",
		"strategy", string(strategy),
		"records_affected", result.RecordsAffected,
	)

	p.selfLog(ctx, ActionPseudonymize, principalID, audit.Details{
		"strategy":        string(strategy),
		"pseudonymId":     result.PseudonymID,
		"recordsAffected": result.RecordsAffected,
		"requestedBy":     requestedBy,
	})
	return result, nil
}

// applyPseudonymization is the shared transactional core of pseudonymization
// and preservation-aware erasure. A non-empty actions list restricts the
// rewrite to those actions. Re-running the hash strategy for the same
// principal hits an existing mapping; that conflict is tolerated so the
// operation stays idempotent.
func (p *Processor) applyPseudonymization(ctx context.Context, principalID string, strategy Strategy, ciphertext string, actions []string) (*PseudonymizationResult, error) {
	pseudonymID, err := p.derivePseudonym(principalID, strategy)
	if err != nil {
		return nil, err
	}

	var affected int64
	err = p.txs.RunInTx(ctx, func(ctx context.Context) error {
		mapping := &pseudonym.Mapping{
			PseudonymID: pseudonymID,
			OriginalID:  ciphertext,
			CreatedAt:   p.now(),
		}
		if err := p.mappings.Create(ctx, mapping); err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return fmt.Errorf("create pseudonym mapping: %w", err)
		}
		n, err := p.events.PseudonymizePrincipal(ctx, audit.PseudonymizeParams{
			PrincipalID: principalID,
			PseudonymID: pseudonymID,
			At:          p.now(),
			Actions:     actions,
		})
		if err != nil {
			return fmt.Errorf("rewrite principal events: %w", err)
		}
		affected = n
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodePseudonymization, "pseudonymize principal")
	}

	return &PseudonymizationResult{PseudonymID: pseudonymID, RecordsAffected: affected}, nil
}

func (p *Processor) derivePseudonym(principalID string, strategy Strategy) (string, error) {
	switch strategy {
	case StrategyHash:
		sum := sha256.Sum256([]byte(principalID + p.salt))
		return pseudonymPrefix + hex.EncodeToString(sum[:])[:16], nil
	case StrategyToken:
		token, err := secrets.RandomHex(16)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodePseudonymization, "generate token pseudonym")
		}
		return pseudonymPrefix + token, nil
	case StrategyEncryption:
		enc := base64.RawURLEncoding.EncodeToString([]byte(principalID))
		if len(enc) > 16 {
			enc = enc[:16]
		}
		return pseudonymPrefix + enc, nil
	default:
		return "", dErrors.Newf(dErrors.CodeBadRequest, "unknown pseudonymization strategy %q", strategy)
	}
}

// DeleteUserDataWithAuditTrail erases a principal's events. With preserve set,
// events whose action is on the compliance allow-list are first pseudonymized
// (hash strategy) and everything else is deleted; both halves run in one
// transaction. A principal with no allow-listed events gets no mapping and no
// key-management call, just the delete. Without preserve, every event for the
// principal is deleted.
func (p *Processor) DeleteUserDataWithAuditTrail(ctx context.Context, principalID, requestedBy string, preserve bool) (*ErasureResult, error) {
	ctx, span := p.tracer.Start(ctx, "dsr.erase")
	defer span.End()

	if principalID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "principal id is required")
	}

	result := &ErasureResult{}

	preserveWork := false
	var ciphertext string
	if preserve {
		actions, err := p.events.ActionsByPrincipal(ctx, principalID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "inspect principal actions")
		}
		preserveWork = hasComplianceAction(actions)
	}
	if preserveWork {
		var err error
		ciphertext, err = p.keys.Encrypt(ctx, []byte(principalID))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeKeyManagement, "encrypt original identifier")
		}
		pseudonymID, err := p.derivePseudonym(principalID, StrategyHash)
		if err != nil {
			return nil, err
		}
		result.PseudonymID = pseudonymID
	}

	err := p.txs.RunInTx(ctx, func(ctx context.Context) error {
		if preserveWork {
			mapping := &pseudonym.Mapping{
				PseudonymID: result.PseudonymID,
				OriginalID:  ciphertext,
				CreatedAt:   p.now(),
			}
			if err := p.mappings.Create(ctx, mapping); err != nil && !errors.Is(err, sentinel.ErrConflict) {
				return fmt.Errorf("create pseudonym mapping: %w", err)
			}
			preserved, err := p.events.PseudonymizePrincipal(ctx, audit.PseudonymizeParams{
				PrincipalID: principalID,
				PseudonymID: result.PseudonymID,
				At:          p.now(),
				Actions:     complianceActions,
			})
			if err != nil {
				return fmt.Errorf("preserve compliance events: %w", err)
			}
			result.ComplianceRecordsPreserved = preserved
		}

		excluded := []string(nil)
		if preserve {
			excluded = complianceActions
		}
		deleted, err := p.events.DeleteByPrincipal(ctx, principalID, excluded)
		if err != nil {
			return fmt.Errorf("delete principal events: %w", err)
		}
		result.RecordsDeleted = deleted
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodePseudonymization, "erase principal")
	}

	if p.metrics != nil {
		p.metrics.Erasures.Inc()
		p.metrics.RecordsErased.Add(float64(result.RecordsDeleted))
		p.metrics.RecordsPreserved.Add(float64(result.ComplianceRecordsPreserved))
	}
	p.logger.InfoContext(ctx, "principal erased",
		"preserve_compliance", preserve,
		"records_deleted", result.RecordsDeleted,
		"records_preserved", result.ComplianceRecordsPreserved,
	)

	details := audit.Details{
		"preserveCompliance":         preserve,
		"recordsDeleted":             result.RecordsDeleted,
		"complianceRecordsPreserved": result.ComplianceRecordsPreserved,
		"requestedBy":                requestedBy,
	}
	if result.PseudonymID != "" {
		details["pseudonymId"] = result.PseudonymID
	}
	p.selfLog(ctx, ActionErase, principalID, details)
	return result, nil
}

// GetOriginalID resolves a pseudonym back to the original identifier for
// authorized callers. An unknown pseudonym and an undecryptable mapping both
// come back as Found=false; only infrastructure failures return an error.
func (p *Processor) GetOriginalID(ctx context.Context, pseudonymID string) (ReverseLookupResult, error) {
	ctx, span := p.tracer.Start(ctx, "dsr.reverse_lookup")
	defer span.End()

	if pseudonymID == "" {
		return ReverseLookupResult{}, dErrors.New(dErrors.CodeBadRequest, "pseudonym id is required")
	}

	mapping, err := p.mappings.Find(ctx, pseudonymID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		p.observeLookup("not_found")
		return ReverseLookupResult{Found: false}, nil
	case err != nil:
		p.observeLookup("error")
		return ReverseLookupResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "look up pseudonym mapping")
	}

	plaintext, err := p.keys.Decrypt(ctx, mapping.OriginalID)
	if err != nil {
		// Never log the ciphertext.
		p.logger.WarnContext(ctx, "reverse lookup decrypt failed",
			"pseudonym_id", pseudonymID,
			"error", err,
		)
		p.observeLookup("decrypt_failed")
		return ReverseLookupResult{Found: false}, nil
	}

	p.observeLookup("found")
	return ReverseLookupResult{Found: true, OriginalID: string(plaintext)}, nil
}

func (p *Processor) observeLookup(outcome string) {
	if p.metrics != nil {
		p.metrics.ReverseLookups.WithLabelValues(outcome).Inc()
	}
}

// selfLog appends the operation's own audit event. The subject is referenced
// only by a salted hash so the trail survives later erasure of that principal
// without re-identifying them. A self-log failure never undoes the completed
// operation; the gap is escalated instead.
func (p *Processor) selfLog(ctx context.Context, action, principalID string, details audit.Details) {
	subjectHash := sha256.Sum256([]byte(principalID + p.salt))
	details["subjectIdHash"] = hex.EncodeToString(subjectHash[:])

	event := &audit.Event{
		Timestamp:          p.now(),
		PrincipalID:        ProcessorPrincipal,
		Action:             action,
		Status:             audit.StatusSuccess,
		TargetResourceType: "principal",
		TargetResourceID:   hex.EncodeToString(subjectHash[:])[:16],
		DataClassification: audit.ClassificationSystem,
		RetentionPolicy:    audit.SystemRetentionPolicy,
		Details:            details,
	}

	if err := p.writer.Record(ctx, event); err != nil {
		if p.metrics != nil {
			p.metrics.SelfLogFailures.Inc()
		}
		p.logger.ErrorContext(ctx, "failed to write dsr self-log; operation effects stand",
			"action", action,
			"error", err,
		)
	}
}
