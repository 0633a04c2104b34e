// Package retention transitions audit events through the
// ACTIVE -> ARCHIVED -> DELETED lifecycle, driven purely by age and data
// classification. Sweeps are idempotent by construction: the predicates
// re-select exactly the records still eligible, so a re-run after a crash
// touches nothing twice.
package retention

import (
	"custodia/internal/audit"
	dErrors "custodia/pkg/domain-errors"
)

// Policy maps a data classification to archive/delete age thresholds.
type Policy struct {
	PolicyName         string               `json:"policyName"`
	DataClassification audit.Classification `json:"dataClassification"`
	RetentionDays      int                  `json:"retentionDays"`
	ArchiveAfterDays   *int                 `json:"archiveAfterDays,omitempty"`
	DeleteAfterDays    *int                 `json:"deleteAfterDays,omitempty"`
	IsActive           bool                 `json:"isActive"`
}

// Validate enforces the policy invariants: a delete threshold can never
// precede the archive threshold, and SYSTEM self-logs are out of reach of the
// lifecycle machinery entirely.
func (p *Policy) Validate() error {
	if p.PolicyName == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "policy name is required")
	}
	if p.DataClassification == audit.ClassificationSystem {
		return dErrors.Newf(dErrors.CodeRetentionPolicy,
			"policy %q targets SYSTEM classification, which is exempt from retention", p.PolicyName)
	}
	if p.RetentionDays <= 0 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "policy %q requires positive retentionDays", p.PolicyName)
	}
	if p.ArchiveAfterDays != nil && *p.ArchiveAfterDays <= 0 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "policy %q has non-positive archiveAfterDays", p.PolicyName)
	}
	if p.DeleteAfterDays != nil && *p.DeleteAfterDays <= 0 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "policy %q has non-positive deleteAfterDays", p.PolicyName)
	}
	if p.ArchiveAfterDays != nil && p.DeleteAfterDays != nil && *p.DeleteAfterDays < *p.ArchiveAfterDays {
		return dErrors.Newf(dErrors.CodeInvalidInput,
			"policy %q deleteAfterDays must be >= archiveAfterDays", p.PolicyName)
	}
	return nil
}

// ApplyResult reports one policy application. Err is set when the policy's
// bulk statements failed; sibling policies are unaffected.
type ApplyResult struct {
	PolicyName       string           `json:"policyName"`
	RecordsArchived  int64            `json:"recordsArchived"`
	RecordsDeleted   int64            `json:"recordsDeleted"`
	ArchivedByAction map[string]int64 `json:"archivedByAction,omitempty"`
	DeletedByAction  map[string]int64 `json:"deletedByAction,omitempty"`
	Err              error            `json:"-"`
}
