package retention

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const activePoliciesKey = "custodia:retention:policies:active"

// CachedPolicyStore fronts a PolicyStore with a short-TTL Redis cache.
// Policies change rarely, so sweeps read through the cache; any cache failure
// falls back to the inner store, and writes invalidate the cached set.
type CachedPolicyStore struct {
	inner  PolicyStore
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedPolicyStore(inner PolicyStore, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedPolicyStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedPolicyStore{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedPolicyStore) ListActive(ctx context.Context) ([]*Policy, error) {
	cached, err := c.rdb.Get(ctx, activePoliciesKey).Bytes()
	if err == nil {
		var policies []*Policy
		if unmarshalErr := json.Unmarshal(cached, &policies); unmarshalErr == nil {
			return policies, nil
		}
		// Corrupt cache entry: drop it and reload.
		c.rdb.Del(ctx, activePoliciesKey)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "policy cache read failed, falling back to store", "error", err)
	}

	policies, err := c.inner.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if buf, marshalErr := json.Marshal(policies); marshalErr == nil {
		if setErr := c.rdb.Set(ctx, activePoliciesKey, buf, c.ttl).Err(); setErr != nil {
			c.logger.WarnContext(ctx, "policy cache write failed", "error", setErr)
		}
	}
	return policies, nil
}

func (c *CachedPolicyStore) List(ctx context.Context) ([]*Policy, error) {
	return c.inner.List(ctx)
}

func (c *CachedPolicyStore) Upsert(ctx context.Context, policy *Policy) error {
	if err := c.inner.Upsert(ctx, policy); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, activePoliciesKey).Err(); err != nil {
		c.logger.WarnContext(ctx, "policy cache invalidation failed", "error", err)
	}
	return nil
}
