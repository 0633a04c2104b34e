//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodia/internal/audit"
	platformpg "custodia/internal/platform/postgres"
	txcontext "custodia/pkg/platform/tx"
	"custodia/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(platformpg.Migrate(s.pg.DB))
	s.store = New(s.pg.DB)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	_ = s.pg.DB.Close()
	_ = s.pg.Container.Terminate(context.Background())
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pg.DB.Exec(`TRUNCATE audit_events, outbox`)
	s.Require().NoError(err)
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) seed(principal, action string, classification audit.Classification, age time.Duration) *audit.Event {
	event := &audit.Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().UTC().Truncate(time.Microsecond).Add(-age),
		PrincipalID:        principal,
		OrganizationID:     "org-1",
		Action:             action,
		Status:             audit.StatusSuccess,
		DataClassification: classification,
		RetentionPolicy:    "default",
		Details:            audit.Details{"k": "v"},
		Hash:               "deadbeef",
		HashAlgorithm:      "SHA-256",
		EventVersion:       audit.CurrentEventVersion,
	}
	s.Require().NoError(s.store.Append(context.Background(), event))
	return event
}

func (s *PostgresStoreSuite) TestAppendWritesOutboxRow() {
	event := s.seed("alice", "doc.read", audit.ClassificationInternal, time.Hour)

	var n int
	err := s.pg.DB.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND published_at IS NULL`,
		event.ID.String(),
	).Scan(&n)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *PostgresStoreSuite) TestQueryRoundTrip() {
	stored := s.seed("alice", "doc.read", audit.ClassificationInternal, time.Hour)
	s.seed("bob", "doc.read", audit.ClassificationInternal, time.Hour)

	events, err := s.store.Query(context.Background(), audit.Query{PrincipalID: "alice"})
	s.Require().NoError(err)
	s.Require().Len(events, 1)

	got := events[0]
	s.Equal(stored.ID, got.ID)
	s.True(stored.Timestamp.Equal(got.Timestamp))
	s.Equal(stored.Details, got.Details)
	s.Equal(stored.Hash, got.Hash)
}

func (s *PostgresStoreSuite) TestPseudonymizeAndDeleteShareTransaction() {
	ctx := context.Background()
	s.seed("alice", "doc.read", audit.ClassificationInternal, 2*time.Hour)
	s.seed("alice", "auth.login.success", audit.ClassificationInternal, time.Hour)

	err := txcontext.Run(ctx, s.pg.DB, func(ctx context.Context) error {
		if _, err := s.store.PseudonymizePrincipal(ctx, audit.PseudonymizeParams{
			PrincipalID: "alice",
			PseudonymID: "pseudo-x",
			At:          time.Now(),
			Actions:     []string{"auth.login.success"},
		}); err != nil {
			return err
		}
		_, err := s.store.DeleteByPrincipal(ctx, "alice", []string{"auth.login.success"})
		return err
	})
	s.Require().NoError(err)

	remaining, err := s.store.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)
	s.Zero(remaining)

	survivors, err := s.store.Query(ctx, audit.Query{PrincipalID: "pseudo-x"})
	s.Require().NoError(err)
	s.Require().Len(survivors, 1)
	s.Equal("auth.login.success", survivors[0].Action)
	s.True(survivors[0].Pseudonymized())
}

func (s *PostgresStoreSuite) TestLifecycleBatching() {
	ctx := context.Background()
	cutoff := time.Now().Add(-24 * time.Hour)

	for i := 0; i < 25; i++ {
		s.seed("alice", "phi.chart.read", audit.ClassificationPHI, 48*time.Hour)
	}

	archived, err := s.store.ArchiveOlderThan(ctx, audit.ClassificationPHI, cutoff, 10)
	s.Require().NoError(err)
	s.Equal(int64(25), archived.Count)
	s.Equal(int64(25), archived.ByAction["phi.chart.read"])

	deleted, err := s.store.DeleteArchivedOlderThan(ctx, audit.ClassificationPHI, cutoff, 10)
	s.Require().NoError(err)
	s.Equal(int64(25), deleted.Count)

	remaining, err := s.store.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)
	s.Zero(remaining)
}
