package retention

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodia/internal/audit"
	"custodia/internal/integrity"
	dErrors "custodia/pkg/domain-errors"
)

type EngineSuite struct {
	suite.Suite
	events   *audit.InMemoryStore
	policies *InMemoryPolicyStore
	engine   *Engine
	now      time.Time
}

func (s *EngineSuite) SetupTest() {
	s.events = audit.NewInMemoryStore()
	s.policies = NewInMemoryPolicyStore()
	s.now = time.Now()

	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	s.engine = NewEngine(s.policies, s.events, writer, slog.Default(),
		WithClock(func() time.Time { return s.now }),
	)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) seedAged(n int, classification audit.Classification, age time.Duration) {
	for i := 0; i < n; i++ {
		err := s.events.Append(context.Background(), &audit.Event{
			ID:                 uuid.New(),
			Timestamp:          s.now.Add(-age),
			PrincipalID:        "patient-7",
			Action:             "phi.chart.read",
			Status:             audit.StatusSuccess,
			DataClassification: classification,
			RetentionPolicy:    "phi-default",
			EventVersion:       audit.CurrentEventVersion,
		})
		s.Require().NoError(err)
	}
}

func intPtr(n int) *int { return &n }

func phiPolicy() *Policy {
	return &Policy{
		PolicyName:         "phi-default",
		DataClassification: audit.ClassificationPHI,
		RetentionDays:      365,
		ArchiveAfterDays:   intPtr(90),
		DeleteAfterDays:    intPtr(365),
		IsActive:           true,
	}
}

func (s *EngineSuite) TestArchivesWithoutDeletingInsideWindow() {
	ctx := context.Background()
	s.seedAged(1000, audit.ClassificationPHI, 100*24*time.Hour)

	result := s.engine.ApplyRetentionPolicy(ctx, phiPolicy())
	s.Require().NoError(result.Err)
	s.Equal(int64(1000), result.RecordsArchived)
	s.Zero(result.RecordsDeleted)
	s.Equal(int64(1000), result.ArchivedByAction["phi.chart.read"])

	s.Run("second run is a no-op", func() {
		again := s.engine.ApplyRetentionPolicy(ctx, phiPolicy())
		s.Require().NoError(again.Err)
		s.Zero(again.RecordsArchived)
		s.Zero(again.RecordsDeleted)
	})
}

func (s *EngineSuite) TestDeletesPastTheDeleteThreshold() {
	ctx := context.Background()
	s.seedAged(50, audit.ClassificationPHI, 400*24*time.Hour)

	result := s.engine.ApplyRetentionPolicy(ctx, phiPolicy())
	s.Require().NoError(result.Err)
	s.Equal(int64(50), result.RecordsArchived)
	s.Equal(int64(50), result.RecordsDeleted)

	remaining, err := s.events.CountByPrincipal(ctx, "patient-7")
	s.Require().NoError(err)
	s.Zero(remaining)
}

func (s *EngineSuite) TestRefusesSystemScopedPolicy() {
	ctx := context.Background()
	s.seedAged(3, audit.ClassificationSystem, 400*24*time.Hour)

	policy := phiPolicy()
	policy.PolicyName = "rogue"
	policy.DataClassification = audit.ClassificationSystem

	result := s.engine.ApplyRetentionPolicy(ctx, policy)
	s.Require().Error(result.Err)
	s.True(dErrors.HasCode(result.Err, dErrors.CodeRetentionPolicy))

	remaining, err := s.events.CountByPrincipal(ctx, "patient-7")
	s.Require().NoError(err)
	s.Equal(int64(3), remaining)
}

func (s *EngineSuite) TestSweepIsolatesPolicyFailures() {
	ctx := context.Background()
	s.seedAged(10, audit.ClassificationPHI, 100*24*time.Hour)

	s.Require().NoError(s.policies.Upsert(ctx, phiPolicy()))
	bad := phiPolicy()
	bad.PolicyName = "bad"
	bad.DataClassification = audit.ClassificationSystem
	s.Require().NoError(s.policies.Upsert(ctx, bad))

	results, err := s.engine.ApplyRetentionPolicies(ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	byName := make(map[string]ApplyResult, len(results))
	for _, r := range results {
		byName[r.PolicyName] = r
	}
	s.Require().Error(byName["bad"].Err)
	s.Require().NoError(byName["phi-default"].Err)
	s.Equal(int64(10), byName["phi-default"].RecordsArchived)
}

func (s *EngineSuite) TestSelfLogSurvivesItsOwnSweep() {
	ctx := context.Background()
	s.seedAged(5, audit.ClassificationPHI, 400*24*time.Hour)

	result := s.engine.ApplyRetentionPolicy(ctx, phiPolicy())
	s.Require().NoError(result.Err)

	selfLogs, err := s.events.Query(ctx, audit.Query{PrincipalID: EnginePrincipal})
	s.Require().NoError(err)
	s.Require().Len(selfLogs, 1)

	log := selfLogs[0]
	s.Equal(ActionPolicyApplied, log.Action)
	s.Equal(audit.ClassificationSystem, log.DataClassification)
	s.Equal(audit.SystemRetentionPolicy, log.RetentionPolicy)
	s.NotEmpty(log.Hash)
	s.Equal("phi-default", log.Details["policyName"])

	// A later sweep with the same policy must never touch the self-log.
	again := s.engine.ApplyRetentionPolicy(ctx, phiPolicy())
	s.Require().NoError(again.Err)

	selfLogs, err = s.events.Query(ctx, audit.Query{PrincipalID: EnginePrincipal})
	s.Require().NoError(err)
	s.Len(selfLogs, 2)
}

func (s *EngineSuite) TestFailedPolicyStillSelfLogs() {
	ctx := context.Background()

	policy := phiPolicy()
	policy.PolicyName = "rogue"
	policy.DataClassification = audit.ClassificationSystem

	result := s.engine.ApplyRetentionPolicy(ctx, policy)
	s.Require().Error(result.Err)

	selfLogs, err := s.events.Query(ctx, audit.Query{PrincipalID: EnginePrincipal})
	s.Require().NoError(err)
	s.Require().Len(selfLogs, 1)
	s.Equal(string(audit.StatusFailure), string(selfLogs[0].Status))
	s.Contains(selfLogs[0].Details, "error")
}
