package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// messageWriter is the subset of *kafka.Writer used by the publisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher handles publishing messages to Kafka
type Publisher struct {
	eventsWriter messageWriter
	stateWriter  messageWriter
}

// OutboxConfig controls the outbox relay loop
type OutboxConfig struct {
	LockKey         int64
	BatchSize       int
	PollInterval    time.Duration
	Retention       time.Duration // Published rows older than this are deleted
	CleanupInterval time.Duration
}

// NewPublisher creates a new Kafka publisher
func NewPublisher(brokers []string, eventsTopic, stateTopic string) *Publisher {
	return &Publisher{
		eventsWriter: newWriter(brokers, eventsTopic),
		stateWriter:  newWriter(brokers, stateTopic),
	}
}

// newWriter hashes on the message key so every product stays on one partition
func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,

		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    1,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
	}
}

// PublishOutboxEvent forwards an outbox row as is, routing state rows to the state topic
func (p *Publisher) PublishOutboxEvent(ctx context.Context, outboxEvent *models.OutboxEvent) error {
	message := kafka.Message{
		Key:   []byte(outboxEvent.Key),
		Value: []byte(outboxEvent.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(outboxEvent.EventType)},
		},
	}

	writer := p.eventsWriter
	if outboxEvent.IsState() {
		writer = p.stateWriter
	}

	if err := writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// Close closes the Kafka writers
func (p *Publisher) Close() error {
	var errs []error

	if err := p.eventsWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close events writer: %w", err))
	}
	if err := p.stateWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state writer: %w", err))
	}

	return errors.Join(errs...)
}

// RunOutboxPublisher relays outbox rows to Kafka until ctx is done. Only the
// instance holding the advisory lock publishes in a given cycle.
func (p *Publisher) RunOutboxPublisher(ctx context.Context, outbox interfaces.OutboxStore, cfg OutboxConfig) error {
	log.Info().
		Int64("lock_key", cfg.LockKey).
		Int("batch_size", cfg.BatchSize).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Starting outbox publisher")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if cfg.CleanupInterval > 0 && cfg.Retention > 0 {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanup = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping outbox publisher")
			return nil
		case <-ticker.C:
			if _, err := p.processOutboxBatch(ctx, outbox, cfg.LockKey, cfg.BatchSize); err != nil {
				log.Error().Err(err).Msg("Failed to process outbox batch")
			}
		case <-cleanup:
			deleted, err := outbox.CleanupPublished(ctx, cfg.Retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean up published outbox events")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Cleaned up published outbox events")
			}
		}
	}
}

// processOutboxBatch publishes one batch in id order and returns how many rows
// were published. Once a row fails, later rows with the same key wait for the
// next cycle so per-product ordering holds.
func (p *Publisher) processOutboxBatch(ctx context.Context, outbox interfaces.OutboxStore, lockKey int64, batchSize int) (int, error) {
	acquired, err := outbox.TryAcquireOutboxLock(ctx, lockKey)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		log.Debug().Msg("Lock held by another worker, skipping batch")
		return 0, nil
	}

	defer func() {
		if err := outbox.ReleaseOutboxLock(context.WithoutCancel(ctx), lockKey); err != nil {
			log.Error().Err(err).Msg("Failed to release outbox lock")
		}
	}()

	events, err := outbox.FetchOutboxBatchOrdered(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	log.Debug().Int("count", len(events)).Msg("Processing outbox batch")

	var successfulIDs []int64
	blockedKeys := make(map[string]bool)
	for i := range events {
		event := &events[i]
		if blockedKeys[event.Key] {
			continue
		}

		if err := p.PublishOutboxEvent(ctx, event); err != nil {
			log.Error().
				Err(err).
				Int64("outbox_id", event.ID).
				Str("event_type", event.EventType).
				Str("key", event.Key).
				Msg("Failed to publish outbox event")

			blockedKeys[event.Key] = true
			if incrementErr := outbox.IncrementPublishAttempts(ctx, event.ID, err.Error()); incrementErr != nil {
				log.Error().Err(incrementErr).Int64("outbox_id", event.ID).Msg("Failed to increment publish attempts")
			}
			continue
		}

		successfulIDs = append(successfulIDs, event.ID)
	}

	if len(successfulIDs) > 0 {
		if err := outbox.MarkOutboxPublished(ctx, successfulIDs); err != nil {
			return 0, fmt.Errorf("failed to mark events as published: %w", err)
		}
		log.Info().
			Int("published_count", len(successfulIDs)).
			Int("total_count", len(events)).
			Msg("Outbox batch processed")
	}

	return len(successfulIDs), nil
}
