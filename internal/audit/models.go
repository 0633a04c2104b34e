// Package audit defines the append-only audit event model and its store
// contract. Events are sealed by internal/integrity before they are appended;
// after sealing only the lifecycle markers (archival timestamp and row
// existence) may change without invalidating the seal.
package audit

import (
	"time"

	"github.com/google/uuid"

	dErrors "custodia/pkg/domain-errors"
)

// Status is the outcome recorded for an audited action.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Classification labels an event with the handling rules that govern it.
// Retention policies are keyed by classification, never by record identity.
type Classification string

const (
	ClassificationPublic       Classification = "PUBLIC"
	ClassificationInternal     Classification = "INTERNAL"
	ClassificationConfidential Classification = "CONFIDENTIAL"
	ClassificationPHI          Classification = "PHI"

	// ClassificationSystem marks self-describing events written by the
	// retention engine and the DSR processor about their own runs. The
	// retention engine refuses policies scoped to it, so the lifecycle
	// machinery can never erase evidence of its own actions.
	ClassificationSystem Classification = "SYSTEM"
)

// SystemRetentionPolicy is the effectively unbounded policy name attached to
// SYSTEM-classified self-logs.
const SystemRetentionPolicy = "system-unbounded"

// Reserved detail keys managed by the DSR processor. Everything else in
// Details is an open extension bag validated only for marshalability.
const (
	DetailPseudonymized   = "pseudonymized"
	DetailPseudonymizedAt = "pseudonymizedAt"
)

// Details is the open key-value bag attached to an event.
type Details map[string]any

// Clone returns a shallow copy so callers can merge keys without aliasing.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Event is a single audit record. Immutable once sealed except for ArchivedAt
// and row existence. Hash is a pure function of every field except
// Hash/Signature/SignatureKeyID and the lifecycle markers; mutating any other
// field after sealing invalidates the hash.
type Event struct {
	ID                 uuid.UUID      `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	PrincipalID        string         `json:"principalId"`
	OrganizationID     string         `json:"organizationId,omitempty"`
	Action             string         `json:"action"`
	Status             Status         `json:"status"`
	TargetResourceType string         `json:"targetResourceType,omitempty"`
	TargetResourceID   string         `json:"targetResourceId,omitempty"`
	DataClassification Classification `json:"dataClassification"`
	RetentionPolicy    string         `json:"retentionPolicy,omitempty"`
	Details            Details        `json:"details,omitempty"`
	Hash               string         `json:"hash,omitempty"`
	HashAlgorithm      string         `json:"hashAlgorithm,omitempty"`
	Signature          string         `json:"signature,omitempty"`
	SignatureKeyID     string         `json:"signatureKeyId,omitempty"`
	EventVersion       string         `json:"eventVersion"`
	CorrelationID      string         `json:"correlationId,omitempty"`
	ArchivedAt         *time.Time     `json:"archivedAt,omitempty"`
}

// CurrentEventVersion is stamped on events sealed by this build.
const CurrentEventVersion = "1"

// Validate checks the fields required before sealing. Boundary validation
// only; sealed events are trusted as stored.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "event timestamp is required")
	}
	if e.PrincipalID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "event principal id is required")
	}
	if e.Action == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "event action is required")
	}
	switch e.Status {
	case StatusAttempt, StatusSuccess, StatusFailure:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid event status %q", e.Status)
	}
	switch e.DataClassification {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential,
		ClassificationPHI, ClassificationSystem:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid data classification %q", e.DataClassification)
	}
	return nil
}

// Pseudonymized reports whether the DSR processor has replaced this event's
// principal with a pseudonym.
func (e *Event) Pseudonymized() bool {
	if e.Details == nil {
		return false
	}
	v, ok := e.Details[DetailPseudonymized].(bool)
	return ok && v
}
