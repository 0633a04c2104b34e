//go:build integration

package outbox

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"custodia/internal/audit"
	auditpg "custodia/internal/audit/store/postgres"
	"custodia/internal/platform/config"
	platformpg "custodia/internal/platform/postgres"
	"custodia/pkg/testutil/containers"
)

type RelaySuite struct {
	suite.Suite
	pg       *containers.PostgresContainer
	redpanda *containers.RedpandaContainer
}

func (s *RelaySuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(platformpg.Migrate(s.pg.DB))
	s.redpanda = containers.NewRedpandaContainer(s.T())
}

func (s *RelaySuite) TearDownSuite() {
	_ = s.pg.DB.Close()
	_ = s.pg.Container.Terminate(context.Background())
	_ = s.redpanda.Container.Terminate(context.Background())
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) TestDrainPublishesAndMarks() {
	ctx := context.Background()
	events := auditpg.New(s.pg.DB)

	for i := 0; i < 5; i++ {
		err := events.Append(ctx, &audit.Event{
			ID:                 uuid.New(),
			Timestamp:          time.Now().UTC().Truncate(time.Microsecond),
			PrincipalID:        "alice",
			Action:             "doc.read",
			Status:             audit.StatusSuccess,
			DataClassification: audit.ClassificationInternal,
			Hash:               "deadbeef",
			HashAlgorithm:      "SHA-256",
			EventVersion:       audit.CurrentEventVersion,
		})
		s.Require().NoError(err)
	}

	cfg := config.Kafka{
		Brokers:       []string{s.redpanda.Broker},
		Topic:         "custodia.audit-events.test",
		Partitions:    1,
		RelayInterval: 100 * time.Millisecond,
		RelayBatch:    2,
	}
	relay, err := NewRelay(ctx, NewStore(s.pg.DB), cfg, slog.Default())
	s.Require().NoError(err)
	defer relay.Close()

	s.Require().NoError(relay.drain(ctx))

	var unpublished int
	err = s.pg.DB.QueryRow(`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&unpublished)
	s.Require().NoError(err)
	s.Zero(unpublished)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Broker),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var consumed int
	for consumed < 5 {
		fetches := consumer.PollFetches(deadline)
		s.Require().NoError(fetches.Err())
		consumed += len(fetches.Records())
	}
	s.Equal(5, consumed)
}
