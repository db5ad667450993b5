package publisher

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/fjod/tableorder/internal/repository"
	"github.com/segmentio/kafka-go"
)

const batchSize = 100

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPoller relays order-placed events written by the order transaction
// to Kafka. Events are marked processed only after the broker accepts them,
// so delivery is at least once.
type OutboxPoller struct {
	interval time.Duration
	repo     repository.OutboxRepository
	writer   MessageWriter
	log      *slog.Logger
}

func NewOutboxPoller(repo repository.OutboxRepository, topic string, interval time.Duration, log *slog.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return &OutboxPoller{interval: interval, repo: repo, writer: w, log: log}
}

// Run polls until ctx is cancelled and closes the writer on the way out.
func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.log.Warn("closing kafka writer", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents returns the number of events published.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to fetch outbox events", slog.Any("error", err))
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.log.ErrorContext(ctx, "failed to publish outbox event",
				slog.Int64("event_id", event.ID), slog.Any("error", err))
			// keep per-aggregate ordering: later events wait for the next tick
			return published
		}
		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.ErrorContext(ctx, "failed to mark outbox event processed",
				slog.Int64("event_id", event.ID), slog.Any("error", err))
			return published
		}
		published++
	}
	if published > 0 {
		p.log.DebugContext(ctx, "outbox events published", slog.Int("count", published))
	}
	return published
}

func (p *OutboxPoller) publish(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(event.ID, 10))},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
