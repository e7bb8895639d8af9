// Package redpanda bridges submission events from Kafka/Redpanda into the
// triage queue.
//
// Delivery is at-least-once; the store's unique source_id makes the insert
// idempotent, so duplicate deliveries are harmless.
package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/domain"
)

// submission is the wire shape of one ingested event.
type submission struct {
	SourceID        string    `json:"source_id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	Body            string    `json:"body"`
	URL             string    `json:"url"`
	SourceCreatedAt time.Time `json:"source_created_at"`
	Priority        int       `json:"priority"`
}

// Consumer reads submissions from a topic and inserts them as triage items.
type Consumer struct {
	client *kgo.Client
	items  domain.ItemRepository
	topic  string
}

// NewConsumer builds a consumer-group client over the given brokers.
func NewConsumer(brokers []string, groupID, topic string, items domain.ItemRepository) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=ingest.new: no seed brokers provided")
	}
	if groupID == "" || topic == "" {
		return nil, fmt.Errorf("op=ingest.new: group id and topic required")
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=ingest.new: %w", err)
	}
	slog.Info("ingest consumer created",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))
	return &Consumer{client: client, items: items, topic: topic}, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || errors.Is(ctx.Err(), context.Canceled) {
			slog.Info("ingest consumer stopped")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("ingest fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.processRecord(ctx, rec)
		})
	}
}

// processRecord inserts one submission. Malformed records are logged and
// skipped; a poison message must not wedge the partition.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	var sub submission
	if err := json.Unmarshal(rec.Value, &sub); err != nil {
		observability.ItemsIngestedTotal.WithLabelValues("kafka", "malformed").Inc()
		slog.Warn("ingest record malformed; skipping",
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return
	}
	if sub.SourceID == "" {
		sub.SourceID = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	}
	id, created, err := c.items.Insert(ctx, domain.NewItem{
		SourceID:        sub.SourceID,
		Title:           sub.Title,
		Author:          sub.Author,
		Body:            sub.Body,
		URL:             sub.URL,
		SourceCreatedAt: sub.SourceCreatedAt,
		Priority:        sub.Priority,
	})
	if err != nil {
		observability.ItemsIngestedTotal.WithLabelValues("kafka", "error").Inc()
		slog.Error("ingest insert failed",
			slog.String("source_id", sub.SourceID),
			slog.Any("error", err))
		return
	}
	outcome := "duplicate"
	if created {
		outcome = "created"
	}
	observability.ItemsIngestedTotal.WithLabelValues("kafka", outcome).Inc()
	slog.Debug("submission ingested",
		slog.Int64("item_id", id),
		slog.String("source_id", sub.SourceID),
		slog.Bool("created", created))
}
