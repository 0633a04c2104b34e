package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps events in memory for unit tests and local development.
// Semantics mirror the postgres store, including batch-wise archival.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *InMemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	cp.Details = event.Details.Clone()
	s.events = append(s.events, &cp)
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if !matches(e, q) {
			continue
		}
		cp := *e
		cp.Details = e.Details.Clone()
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(e *Event, q Query) bool {
	if q.PrincipalID != "" && e.PrincipalID != q.PrincipalID {
		return false
	}
	if q.OrganizationID != "" && e.OrganizationID != q.OrganizationID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

func (s *InMemoryStore) CountByPrincipal(_ context.Context, principalID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if e.PrincipalID == principalID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ActionsByPrincipal(_ context.Context, principalID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var actions []string
	for _, e := range s.events {
		if e.PrincipalID == principalID && !seen[e.Action] {
			seen[e.Action] = true
			actions = append(actions, e.Action)
		}
	}
	sort.Strings(actions)
	return actions, nil
}

func (s *InMemoryStore) PseudonymizePrincipal(_ context.Context, p PseudonymizeParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := toSet(p.Actions)
	var n int64
	for _, e := range s.events {
		if e.PrincipalID != p.PrincipalID {
			continue
		}
		if allowed != nil && !allowed[e.Action] {
			continue
		}
		e.PrincipalID = p.PseudonymID
		if e.Details == nil {
			e.Details = Details{}
		}
		e.Details[DetailPseudonymized] = true
		e.Details[DetailPseudonymizedAt] = p.At.UTC().Format(time.RFC3339Nano)
		n++
	}
	return n, nil
}

func (s *InMemoryStore) DeleteByPrincipal(_ context.Context, principalID string, excludedActions []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := toSet(excludedActions)
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.PrincipalID == principalID && (excluded == nil || !excluded[e.Action]) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *InMemoryStore) ArchiveOlderThan(ctx context.Context, classification Classification, cutoff time.Time, batchSize int) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	now := time.Now()
	for _, e := range s.events {
		if e.DataClassification != classification || e.ArchivedAt != nil || e.Timestamp.After(cutoff) {
			continue
		}
		at := now
		e.ArchivedAt = &at
		res.add(e.Action, 1)
	}
	return res, nil
}

func (s *InMemoryStore) DeleteArchivedOlderThan(ctx context.Context, classification Classification, cutoff time.Time, batchSize int) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	// Check before the loop: kept filters s.events in place, so bailing out
	// mid-iteration would leave partially overwritten elements behind.
	if err := ctx.Err(); err != nil {
		return res, err
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if e.DataClassification == classification && e.ArchivedAt != nil && !e.Timestamp.After(cutoff) {
			res.add(e.Action, 1)
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return res, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
