package audit

import (
	"context"
	"time"
)

// Query selects events by principal, organization, and time range. A zero
// From/To leaves that bound open. Results are ordered by timestamp ascending.
type Query struct {
	PrincipalID    string
	OrganizationID string
	From           time.Time
	To             time.Time
	Limit          int
}

// PseudonymizeParams drives the bulk principal swap. When Actions is non-empty
// only events with one of those actions are rewritten.
type PseudonymizeParams struct {
	PrincipalID string
	PseudonymID string
	At          time.Time
	Actions     []string
}

// BulkResult reports a set-oriented mutation: total rows touched plus a
// per-action breakdown for the retention summary event.
type BulkResult struct {
	Count    int64
	ByAction map[string]int64
}

func (r *BulkResult) add(action string, n int64) {
	if r.ByAction == nil {
		r.ByAction = make(map[string]int64)
	}
	r.ByAction[action] += n
	r.Count += n
}

// Store is the append-only event store. Mutations other than Append are the
// two-phase lifecycle transitions and the DSR bulk rewrites; none of them ever
// construct a new event identity.
type Store interface {
	// Append inserts a sealed event. Implementations backed by SQL honor a
	// transaction carried in ctx.
	Append(ctx context.Context, event *Event) error

	// Query returns matching events in timestamp order.
	Query(ctx context.Context, q Query) ([]*Event, error)

	// CountByPrincipal counts all events currently held for a principal.
	CountByPrincipal(ctx context.Context, principalID string) (int64, error)

	// ActionsByPrincipal returns the distinct actions present for a principal.
	ActionsByPrincipal(ctx context.Context, principalID string) ([]string, error)

	// PseudonymizePrincipal rewrites PrincipalID to the pseudonym on every
	// matching event and merges the reserved pseudonymization keys into
	// Details. Returns the number of rows rewritten.
	PseudonymizePrincipal(ctx context.Context, p PseudonymizeParams) (int64, error)

	// DeleteByPrincipal hard-deletes a principal's events, skipping any whose
	// action is in excludedActions. Returns the number of rows deleted.
	DeleteByPrincipal(ctx context.Context, principalID string, excludedActions []string) (int64, error)

	// ArchiveOlderThan sets archived_at = now on unarchived events of the
	// classification with timestamp <= cutoff, in batches of batchSize rows,
	// checking ctx between batches.
	ArchiveOlderThan(ctx context.Context, classification Classification, cutoff time.Time, batchSize int) (BulkResult, error)

	// DeleteArchivedOlderThan deletes archived events of the classification
	// with timestamp <= cutoff. Unarchived rows are never eligible; the
	// two-phase lifecycle is enforced by the predicate itself.
	DeleteArchivedOlderThan(ctx context.Context, classification Classification, cutoff time.Time, batchSize int) (BulkResult, error)
}
