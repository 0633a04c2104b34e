package pseudonym

import (
	"context"
	"sync"

	"custodia/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]*Mapping
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mappings: make(map[string]*Mapping)}
}

func (s *InMemoryStore) Create(_ context.Context, mapping *Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mappings[mapping.PseudonymID]; exists {
		return sentinel.ErrConflict
	}
	cp := *mapping
	s.mappings[mapping.PseudonymID] = &cp
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, pseudonymID string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapping, ok := s.mappings[pseudonymID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *mapping
	return &cp, nil
}
