package retention

import "context"

// PolicyStore reads and writes classification-scoped retention policies.
// Policies change rarely; ListActive is the hot read and is fronted by the
// short-TTL cache in cache.go.
type PolicyStore interface {
	ListActive(ctx context.Context) ([]*Policy, error)
	List(ctx context.Context) ([]*Policy, error)
	Upsert(ctx context.Context, policy *Policy) error
}
