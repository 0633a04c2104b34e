package pseudonym

import "context"

// Store persists pseudonym mappings. Create returns sentinel.ErrConflict when
// the pseudonym already exists; Find returns sentinel.ErrNotFound when it
// does not.
type Store interface {
	Create(ctx context.Context, mapping *Mapping) error
	Find(ctx context.Context, pseudonymID string) (*Mapping, error)
}
