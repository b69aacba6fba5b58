package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

const defaultMaxRetries = 3

// messageReader is the subset of *kafka.Reader used by the consumer
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// errMalformed marks messages that can never be processed
var errMalformed = errors.New("malformed message")

// Consumer handles consuming messages from Kafka
type Consumer struct {
	ordersReader messageReader
	stateReader  messageReader
	maxRetries   int
	baseBackoff  time.Duration
}

// NewConsumer creates a new Kafka consumer. A reader is only created for
// non-empty topics.
func NewConsumer(brokers []string, consumerGroup, ordersTopic, stateTopic string) *Consumer {
	c := &Consumer{
		maxRetries:  defaultMaxRetries,
		baseBackoff: 100 * time.Millisecond,
	}

	if ordersTopic != "" {
		c.ordersReader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          ordersTopic,
			GroupID:        consumerGroup,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // commits are synchronous
			StartOffset:    kafka.FirstOffset,
			MaxWait:        time.Second,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Error().Msgf("Kafka orders reader error: "+msg, args...)
			}),
		})
	}

	if stateTopic != "" {
		c.stateReader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          stateTopic,
			GroupID:        consumerGroup + "-state",
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Error().Msgf("Kafka state reader error: "+msg, args...)
			}),
		})
	}

	return c
}

// ConsumeOrderEvents feeds order lifecycle events to handler until ctx is done
func (c *Consumer) ConsumeOrderEvents(ctx context.Context, handler interfaces.OrderEventHandler) error {
	if c.ordersReader == nil {
		return errors.New("orders topic not configured")
	}

	log.Info().Msg("Starting to consume order events")
	return c.consume(ctx, c.ordersReader, "order", func(ctx context.Context, message kafka.Message) error {
		event, err := decodeOrderEvent(message.Value)
		if err != nil {
			return err
		}
		return c.withRetry(ctx, event.EventID, func() error {
			return handler.HandleOrderEvent(ctx, event)
		})
	})
}

// ConsumeState feeds stock snapshots to handler until ctx is done
func (c *Consumer) ConsumeState(ctx context.Context, handler interfaces.StateHandler) error {
	if c.stateReader == nil {
		return errors.New("state topic not configured")
	}

	log.Info().Msg("Starting to consume stock state updates")
	return c.consume(ctx, c.stateReader, "state", func(ctx context.Context, message kafka.Message) error {
		state, err := decodeStockState(message.Value)
		if err != nil {
			return err
		}
		return handler.HandleState(ctx, state)
	})
}

// consume commits every message once handled. Failed messages are logged and
// committed too, so one poison message cannot stall its partition.
func (c *Consumer) consume(ctx context.Context, reader messageReader, kind string, handle func(context.Context, kafka.Message) error) error {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Str("kind", kind).Msg("Stopping consumption")
				return nil
			}
			log.Error().Err(err).Str("kind", kind).Msg("Failed to fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handle(ctx, message); err != nil {
			if ctx.Err() != nil {
				// leave it uncommitted for the next owner of the partition
				return nil
			}
			log.Error().Err(err).
				Str("kind", kind).
				Str("topic", message.Topic).
				Int("partition", message.Partition).
				Int64("offset", message.Offset).
				Bool("malformed", errors.Is(err, errMalformed)).
				Msg("Failed to handle message, skipping")
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			log.Error().Err(err).
				Str("kind", kind).
				Int64("offset", message.Offset).
				Msg("Failed to commit message")
			continue
		}

		log.Debug().
			Str("kind", kind).
			Int("partition", message.Partition).
			Int64("offset", message.Offset).
			Msg("Committed message")
	}
}

// withRetry retries fn with exponential backoff unless the error is final
func (c *Consumer) withRetry(ctx context.Context, eventID string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if isNonRetryableError(err) {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Msg("Non-retryable error, skipping event")
			return err
		}

		if attempt < c.maxRetries {
			backoff := c.baseBackoff * time.Duration(1<<attempt)
			log.Warn().Err(err).
				Str("event_id", eventID).
				Int("attempt", attempt+1).
				Int("max_retries", c.maxRetries+1).
				Dur("backoff", backoff).
				Msg("Event processing failed, retrying after backoff")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("event processing failed after %d attempts: %w", c.maxRetries+1, err)
}

// isNonRetryableError reports errors that would fail the same way on every attempt
func isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errMalformed) || models.IsDomainError(err)
}

func decodeOrderEvent(data []byte) (*models.OrderEvent, error) {
	var event models.OrderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.EventType == "" || event.OrderID == "" {
		return nil, fmt.Errorf("%w: order event requires event_type and order_id", errMalformed)
	}
	return &event, nil
}

func decodeStockState(data []byte) (*models.StockState, error) {
	var state models.StockState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if state.ProductID == "" {
		return nil, fmt.Errorf("%w: state without product_id", errMalformed)
	}
	return &state, nil
}

// Close closes the Kafka readers
func (c *Consumer) Close() error {
	var errs []error

	if c.ordersReader != nil {
		if err := c.ordersReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close orders reader: %w", err))
		}
	}
	if c.stateReader != nil {
		if err := c.stateReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state reader: %w", err))
		}
	}

	return errors.Join(errs...)
}
