package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"custodia/internal/platform/config"
)

// Relay polls the outbox and publishes claimed rows to Kafka. Rows are keyed
// by aggregate id so per-event ordering survives partitioning. A row is
// marked published only after the produce succeeds; a crash in between means
// at-least-once delivery, never loss.
type Relay struct {
	store    *Store
	client   *kgo.Client
	topic    string
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewRelay connects a producer and ensures the topic exists.
func NewRelay(ctx context.Context, store *Store, cfg config.Kafka, logger *slog.Logger) (*Relay, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, cfg.Topic, cfg.Partitions); err != nil {
		client.Close()
		return nil, err
	}

	return &Relay{
		store:    store,
		client:   client,
		topic:    cfg.Topic,
		interval: cfg.RelayInterval,
		batch:    cfg.RelayBatch,
		logger:   logger,
	}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, partitions, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}

// Run drains the outbox on a fixed interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (r *Relay) drain(ctx context.Context) error {
	for {
		entries, err := r.store.FetchUnpublished(ctx, r.batch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		records := make([]*kgo.Record, 0, len(entries))
		ids := make([]uuid.UUID, 0, len(entries))
		for _, e := range entries {
			records = append(records, &kgo.Record{
				Topic: r.topic,
				Key:   []byte(e.AggregateID),
				Value: e.Payload,
				Headers: []kgo.RecordHeader{
					{Key: "event_type", Value: []byte(e.EventType)},
				},
			})
			ids = append(ids, e.ID)
		}

		if err := r.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
			return fmt.Errorf("produce outbox batch: %w", err)
		}
		if err := r.store.MarkPublished(ctx, ids); err != nil {
			return err
		}

		r.logger.DebugContext(ctx, "outbox batch published", "count", len(entries))
		if len(entries) < r.batch {
			return nil
		}
	}
}

// Close flushes and releases the producer.
func (r *Relay) Close() {
	r.client.Close()
}
