package retention

import (
	"context"
	"sort"
	"sync"
)

type InMemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{policies: make(map[string]*Policy)}
}

func (s *InMemoryPolicyStore) Upsert(_ context.Context, policy *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *policy
	s.policies[policy.PolicyName] = &cp
	return nil
}

func (s *InMemoryPolicyStore) ListActive(ctx context.Context) ([]*Policy, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, p := range all {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

func (s *InMemoryPolicyStore) List(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyName < out[j].PolicyName })
	return out, nil
}
