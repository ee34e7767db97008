package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/kafka"
)

const defaultRelayBatch = 100

// OutboxStore yields committed, unpublished notifications.
type OutboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]ledger.OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Publisher delivers messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, messages ...kafka.Message) error
}

// OutboxRelayJob drains the outbox into Kafka. Delivery is at least once: a
// crash between publish and mark re-sends the batch.
type OutboxRelayJob struct {
	Store     OutboxStore
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewOutboxRelayJob constructs the relay handler.
func NewOutboxRelayJob(store OutboxStore, publisher Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxRelayJob {
	return &OutboxRelayJob{
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle relays outbox batches until the outbox is empty.
func (j *OutboxRelayJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil || j.Publisher == nil {
		return errors.New("outbox relay: dependencies not configured")
	}
	var payload OutboxRelayPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}
	tracker := j.metrics().Track(TaskOutboxRelay)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	total, err := j.Relay(ctx, payload.BatchSize)
	if err != nil {
		j.log().Error("relay outbox", slog.Int("published", total), slog.Any("error", err))
		return err
	}
	if total > 0 {
		j.log().Info("relayed outbox", slog.Int("published", total))
	}
	return nil
}

// Relay publishes pending messages in batches and returns how many were sent.
func (j *OutboxRelayJob) Relay(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultRelayBatch
	}
	total := 0
	for {
		batch, err := j.Store.FetchUnpublished(ctx, batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := j.publish(ctx, batch); err != nil {
			return total, err
		}
		ids := make([]uuid.UUID, 0, len(batch))
		for _, msg := range batch {
			ids = append(ids, msg.ID)
		}
		if err := j.Store.MarkPublished(ctx, ids, j.now()); err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < batchSize {
			return total, nil
		}
	}
}

// publish sends the batch grouped by topic, keeping the outbox order within
// each topic.
func (j *OutboxRelayJob) publish(ctx context.Context, batch []ledger.OutboxMessage) error {
	var topics []string
	byTopic := make(map[string][]kafka.Message)
	for _, msg := range batch {
		if _, ok := byTopic[msg.Topic]; !ok {
			topics = append(topics, msg.Topic)
		}
		byTopic[msg.Topic] = append(byTopic[msg.Topic], kafka.Message{
			Key:   []byte(msg.Key),
			Value: msg.Payload,
			Headers: map[string]string{
				"type":      msg.Type,
				"outbox_id": msg.ID.String(),
			},
		})
	}
	for _, topic := range topics {
		if err := j.Publisher.Publish(ctx, topic, byTopic[topic]...); err != nil {
			return err
		}
		j.metrics().AddPublished(topic, len(byTopic[topic]))
	}
	return nil
}

// WithClock overrides the internal clock for deterministic tests.
func (j *OutboxRelayJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

func (j *OutboxRelayJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OutboxRelayJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OutboxRelayJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOutboxRelay))
	}
	return slog.Default().With(slog.String("job", TaskOutboxRelay))
}
