package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// topicForQueue maps a moderation queue to its durable ingest topic, so
// submission survives an Engine process restart between Submit and the
// bot worker picking it up. Grounded on the teacher's franz-go consumer,
// ws/internal/shared/kafka/consumer.go.
func topicForQueue(q model.ModerationQueueType) string {
	switch q {
	case model.QueueProfileStringModeration:
		return "moderation.profile_text"
	default:
		return "moderation.media"
	}
}

// Ingest publishes submitted items onto their durable topic. The consume
// loop that calls back into an Engine's Submit path is Consumer's, not
// Ingest's.
type Ingest struct {
	producer *kgo.Client
	logger   zerolog.Logger
}

// NewIngest creates an Ingest backed by the given brokers.
func NewIngest(brokers []string, logger zerolog.Logger) (*Ingest, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("moderation: create kafka client: %w", err)
	}
	return &Ingest{producer: client, logger: logger.With().Str("component", "moderation.ingest").Logger()}, nil
}

// Close releases the underlying kafka client.
func (i *Ingest) Close() { i.producer.Close() }

// Publish durably enqueues item on its queue's topic. The Engine's
// Submit still records the idempotent queue-state transition in its Store;
// this topic is what a restarted bot worker replays from.
func (i *Ingest) Publish(ctx context.Context, item model.ModerationQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("moderation: marshal queue item: %w", err)
	}
	record := &kgo.Record{Topic: topicForQueue(item.Queue), Value: data}
	result := i.producer.ProduceSync(ctx, record)
	return result.FirstErr()
}

// Consumer replays a topic's items into an Engine, grounded on the
// teacher's consumeLoop: poll, decode, hand off, repeat until ctx ends.
type Consumer struct {
	client *kgo.Client
	engine *Engine
	logger zerolog.Logger
}

// NewConsumer creates a Consumer for the given queue's topic, joining
// consumerGroup so multiple instances share the partitions.
func NewConsumer(brokers []string, consumerGroup string, queue model.ModerationQueueType, engine *Engine, logger zerolog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(consumerGroup),
		kgo.ConsumeTopics(topicForQueue(queue)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("moderation: create kafka consumer: %w", err)
	}
	return &Consumer{client: client, engine: engine, logger: logger.With().Str("component", "moderation.consumer").Logger()}, nil
}

// Run polls until ctx is cancelled, replaying each fetched record into
// the engine's queue store.
func (c *Consumer) Run(ctx context.Context) {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error().Err(e.Err).Str("topic", e.Topic).Msg("fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var item model.ModerationQueueItem
			if err := json.Unmarshal(record.Value, &item); err != nil {
				c.logger.Warn().Err(err).Msg("discarding malformed moderation queue record")
				return
			}
			if err := c.engine.Submit(ctx, item); err != nil {
				c.logger.Error().Err(err).Msg("replay moderation queue item")
			}
		})
	}
}
