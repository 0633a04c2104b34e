// Package dsr fulfills data-subject-rights requests (export,
// pseudonymization, preservation-aware erasure) over the audit event store.
// Every action the processor takes is itself recorded as a new sealed audit
// event, classified SYSTEM so the lifecycle machinery can never erase it.
package dsr

import (
	"time"

	dErrors "custodia/pkg/domain-errors"
)

// Self-describing actions written by the processor.
const (
	ActionExport       = "gdpr.data.export"
	ActionPseudonymize = "gdpr.data.pseudonymize"
	ActionErase        = "gdpr.data.delete"
)

// ProcessorPrincipal identifies the DSR processor in its own audit trail.
const ProcessorPrincipal = "system:dsr-processor"

// complianceActions is the fixed allow-list of actions exempt from erasure:
// authentication outcomes, unauthorized access attempts, and prior DSR
// actions survive a preservation-aware erasure in pseudonymized form.
// Whether this should become organization-configurable policy data is a
// product decision; it is deliberately a constant for now.
var complianceActions = []string{
	"auth.login.success",
	"auth.login.failure",
	"access.unauthorized",
	ActionExport,
	ActionPseudonymize,
	ActionErase,
}

// ComplianceActions returns a copy of the erasure allow-list.
func ComplianceActions() []string {
	return append([]string(nil), complianceActions...)
}

func hasComplianceAction(actions []string) bool {
	for _, action := range actions {
		for _, allowed := range complianceActions {
			if action == allowed {
				return true
			}
		}
	}
	return false
}

// ExportFormat selects the serialization of an export payload.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
)

// ParseExportFormat validates a caller-supplied format before any query runs.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case FormatJSON, FormatCSV, FormatXML:
		return ExportFormat(s), nil
	default:
		return "", dErrors.Newf(dErrors.CodeUnsupportedFormat, "unsupported export format %q", s)
	}
}

// ExportRequest carries the query criteria for a data export. PrincipalID is
// required; the rest narrows the selection.
type ExportRequest struct {
	PrincipalID     string
	OrganizationID  string
	From            time.Time
	To              time.Time
	Format          ExportFormat
	IncludeMetadata bool
	RequestedBy     string
}

// ExportMetadata aggregates what the export actually covered.
type ExportMetadata struct {
	EarliestRecord    *time.Time `json:"earliestRecord,omitempty"`
	LatestRecord      *time.Time `json:"latestRecord,omitempty"`
	ActionCategories  []string   `json:"actionCategories,omitempty"`
	RetentionPolicies []string   `json:"retentionPolicies,omitempty"`
}

// Export is the value object returned to the caller; it is never persisted.
type Export struct {
	RequestID   string
	RecordCount int
	DataSize    int
	Data        []byte
	Metadata    ExportMetadata
}

// Strategy selects how a pseudonym is derived.
type Strategy string

const (
	// StrategyHash is deterministic under a fixed salt: the same principal
	// always maps to the same pseudonym.
	StrategyHash Strategy = "hash"
	// StrategyToken is random: a new pseudonym on every call.
	StrategyToken Strategy = "token"
	// StrategyEncryption is a reversible base64-derived encoding truncated to
	// 16 chars. Placeholder strength only; real deployments should derive it
	// through the key-management collaborator.
	StrategyEncryption Strategy = "encryption"
)

// ParseStrategy validates a caller-supplied strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyHash, StrategyToken, StrategyEncryption:
		return Strategy(s), nil
	default:
		return "", dErrors.Newf(dErrors.CodeBadRequest, "unknown pseudonymization strategy %q", s)
	}
}

// PseudonymizationResult reports a completed bulk pseudonymization.
type PseudonymizationResult struct {
	PseudonymID     string `json:"pseudonymId"`
	RecordsAffected int64  `json:"recordsAffected"`
}

// ErasureResult reports a completed erasure. With preservation enabled,
// RecordsDeleted + ComplianceRecordsPreserved equals the principal's original
// record count.
type ErasureResult struct {
	RecordsDeleted             int64  `json:"recordsDeleted"`
	ComplianceRecordsPreserved int64  `json:"complianceRecordsPreserved"`
	PseudonymID                string `json:"pseudonymId,omitempty"`
}

// ReverseLookupResult is the structured outcome of a privileged reverse
// lookup. Found=false covers both an unknown pseudonym and a mapping whose
// decryption failed; infrastructure failures surface as errors, so callers
// branch on structure, never on message text.
type ReverseLookupResult struct {
	Found      bool
	OriginalID string
}
