package integrity

import (
	"encoding/json"
	"fmt"
	"time"

	"custodia/internal/audit"
)

// canonicalBytes serializes every sealed field of the event in a
// field-order-independent form. Keys are emitted sorted (encoding/json sorts
// map keys, recursively for nested maps), every field is present even when
// empty, and the timestamp is normalized to UTC so a round trip through the
// database yields identical bytes.
//
// Hash, Signature, SignatureKeyID and the lifecycle marker ArchivedAt are
// excluded: the first three are outputs of sealing, the last is the one field
// allowed to change after sealing.
func canonicalBytes(e *audit.Event) ([]byte, error) {
	fields := map[string]any{
		"id":                 e.ID.String(),
		"timestamp":          e.Timestamp.UTC().Format(time.RFC3339Nano),
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"action":             e.Action,
		"status":             string(e.Status),
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"dataClassification": string(e.DataClassification),
		"retentionPolicy":    e.RetentionPolicy,
		"details":            e.Details,
		"eventVersion":       e.EventVersion,
		"correlationId":      e.CorrelationID,
	}
	buf, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return buf, nil
}
