//go:build integration

package retention

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/audit"
	"custodia/pkg/testutil/containers"
)

type CachedPolicyStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	inner *InMemoryPolicyStore
	cache *CachedPolicyStore
}

func (s *CachedPolicyStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *CachedPolicyStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.inner = NewInMemoryPolicyStore()
	s.cache = NewCachedPolicyStore(s.inner, s.redis.Client, time.Minute, slog.Default())
}

func TestCachedPolicyStoreSuite(t *testing.T) {
	suite.Run(t, new(CachedPolicyStoreSuite))
}

func (s *CachedPolicyStoreSuite) TestReadThroughAndInvalidate() {
	ctx := context.Background()
	policy := &Policy{
		PolicyName:         "internal-90d",
		DataClassification: audit.ClassificationInternal,
		RetentionDays:      90,
		IsActive:           true,
	}
	s.Require().NoError(s.cache.Upsert(ctx, policy))

	first, err := s.cache.ListActive(ctx)
	s.Require().NoError(err)
	s.Require().Len(first, 1)

	s.Run("second read is served from cache", func() {
		// Mutate the inner store behind the cache's back; the cached set
		// should still be returned until invalidated.
		policy.IsActive = false
		s.Require().NoError(s.inner.Upsert(ctx, policy))

		cached, err := s.cache.ListActive(ctx)
		s.Require().NoError(err)
		s.Len(cached, 1)
	})

	s.Run("upsert invalidates", func() {
		policy.IsActive = false
		s.Require().NoError(s.cache.Upsert(ctx, policy))

		fresh, err := s.cache.ListActive(ctx)
		s.Require().NoError(err)
		s.Empty(fresh)
	})
}
