package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jeremylongshore/moat/internal/outcome"
)

// KafkaConsumer drains the outcome topic into the event store the scorer
// reads. Runs wherever the trust plane lives; inserts are idempotent on
// event id, so at-least-once delivery never double-counts.
type KafkaConsumer struct {
	client *kgo.Client
	store  EventStore
	logger *slog.Logger
}

func NewKafkaConsumer(brokers []string, topic, group string, store EventStore, logger *slog.Logger) (*KafkaConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaConsumer{client: client, store: store, logger: logger}, nil
}

// Run polls until ctx is cancelled. Malformed records are logged and
// skipped; store failures leave the offset uncommitted for redelivery.
func (c *KafkaConsumer) Run(ctx context.Context) {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("outcome topic fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			var ev outcome.Event
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				c.logger.Warn("malformed outcome event, skipping", "error", err)
				return
			}
			if err := c.store.Record(ctx, ev); err != nil {
				c.logger.Warn("record outcome event failed", "error", err, "receipt_id", ev.ReceiptID.String())
			}
		})
	}
}
