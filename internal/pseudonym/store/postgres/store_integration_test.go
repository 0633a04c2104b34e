//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	platformpg "custodia/internal/platform/postgres"
	"custodia/internal/pseudonym"
	"custodia/pkg/platform/sentinel"
	txcontext "custodia/pkg/platform/tx"
	"custodia/pkg/testutil/containers"
)

type PseudonymStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *Store
}

func (s *PseudonymStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(platformpg.Migrate(s.pg.DB))
	s.store = New(s.pg.DB)
}

func (s *PseudonymStoreSuite) TearDownSuite() {
	_ = s.pg.DB.Close()
	_ = s.pg.Container.Terminate(context.Background())
}

func (s *PseudonymStoreSuite) SetupTest() {
	_, err := s.pg.DB.Exec(`TRUNCATE pseudonym_mappings`)
	s.Require().NoError(err)
}

func TestPseudonymStoreSuite(t *testing.T) {
	suite.Run(t, new(PseudonymStoreSuite))
}

func (s *PseudonymStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	mapping := &pseudonym.Mapping{
		PseudonymID: "pseudo-abc123",
		OriginalID:  "ciphertext-1",
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	s.Require().NoError(s.store.Create(ctx, mapping))

	got, err := s.store.Find(ctx, "pseudo-abc123")
	s.Require().NoError(err)
	s.Equal(mapping.OriginalID, got.OriginalID)

	_, err = s.store.Find(ctx, "pseudo-missing")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PseudonymStoreSuite) TestDuplicateCreateDoesNotAbortTransaction() {
	ctx := context.Background()
	first := &pseudonym.Mapping{
		PseudonymID: "pseudo-dup",
		OriginalID:  "ciphertext-1",
		CreatedAt:   time.Now(),
	}
	s.Require().NoError(s.store.Create(ctx, first))

	// A duplicate insert inside an open transaction must come back as a plain
	// conflict and leave the transaction usable for the statements after it.
	err := txcontext.Run(ctx, s.pg.DB, func(ctx context.Context) error {
		err := s.store.Create(ctx, &pseudonym.Mapping{
			PseudonymID: "pseudo-dup",
			OriginalID:  "ciphertext-2",
			CreatedAt:   time.Now(),
		})
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		return s.store.Create(ctx, &pseudonym.Mapping{
			PseudonymID: "pseudo-other",
			OriginalID:  "ciphertext-3",
			CreatedAt:   time.Now(),
		})
	})
	s.Require().NoError(err)

	kept, err := s.store.Find(ctx, "pseudo-dup")
	s.Require().NoError(err)
	s.Equal("ciphertext-1", kept.OriginalID)

	_, err = s.store.Find(ctx, "pseudo-other")
	s.Require().NoError(err)
}
