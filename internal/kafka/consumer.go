package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// Consumer handles consuming order lifecycle events from Kafka
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a new Kafka consumer for the order events topic
func NewConsumer(brokers []string, consumerGroup, orderEventsTopic string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   orderEventsTopic,
		GroupID: consumerGroup,

		// Consumer configuration for reliability
		MinBytes:       1,               // Minimum bytes to wait for
		MaxBytes:       10e6,            // 10MB max message size
		CommitInterval: 5 * time.Second, // Commit less frequently to reduce rebalancing issues
		StartOffset:    kafka.LastOffset,

		// Partition and offset management
		MaxWait: 1 * time.Second, // Maximum time to wait for new messages

		// Error handling
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf("Kafka order events reader error: "+msg, args...)
		}),
	})

	return &Consumer{reader: reader}
}

// ConsumeOrderEvents fetches order lifecycle events and processes them with
// the provided handler. Messages are committed only after successful handling.
func (c *Consumer) ConsumeOrderEvents(ctx context.Context, handler interfaces.OrderEventHandler) error {
	log.Info().Msg("Starting to consume order events")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping order event consumption")
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if err == context.Canceled {
					return nil
				}
				log.Error().Err(err).Msg("Failed to fetch order event message")
				time.Sleep(time.Second) // Backoff on error
				continue
			}

			var event models.OrderEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				log.Error().Err(err).
					Str("topic", message.Topic).
					Int("partition", message.Partition).
					Int64("offset", message.Offset).
					Msg("Failed to unmarshal order event")

				// Commit the message to skip it
				if commitErr := c.reader.CommitMessages(ctx, message); commitErr != nil {
					log.Error().Err(commitErr).Msg("Failed to commit invalid message")
				}
				continue
			}

			processErr := c.processWithRetry(ctx, handler, &event, 3)
			if processErr != nil {
				log.Error().Err(processErr).
					Str("event_type", event.EventType).
					Str("order_id", event.OrderID.String()).
					Str("event_id", event.EventID).
					Msg("Failed to handle order event after retries")

				// Do not commit. Kafka will redeliver the message.
				continue
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				log.Error().Err(err).
					Str("event_id", event.EventID).
					Msg("Failed to commit order event message")
				// Processed successfully but couldn't commit. The message may
				// be redelivered, but that's better than losing it.
			} else {
				log.Debug().
					Str("event_type", event.EventType).
					Str("order_id", event.OrderID.String()).
					Str("event_id", event.EventID).
					Msg("Successfully processed and committed order event")
			}
		}
	}
}

// processWithRetry handles an event with exponential backoff on transient failures
func (c *Consumer) processWithRetry(ctx context.Context, handler interfaces.OrderEventHandler, event *models.OrderEvent, maxRetries int) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := handler.HandleOrderEvent(ctx, event)
		if err == nil {
			return nil
		}

		// Business rejections will never succeed on redelivery, so the
		// message is committed and skipped
		if models.IsBusinessRejection(err) {
			log.Warn().Err(err).
				Str("event_id", event.EventID).
				Msg("Non-retryable error, skipping event")
			return nil
		}

		if attempt < maxRetries {
			// Exponential backoff: 100ms, 200ms, 400ms
			backoff := time.Duration(100*(1<<attempt)) * time.Millisecond
			log.Warn().Err(err).
				Str("event_id", event.EventID).
				Int("attempt", attempt+1).
				Int("max_retries", maxRetries+1).
				Dur("backoff", backoff).
				Msg("Order event processing failed, retrying after backoff")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("order event processing failed after %d attempts", maxRetries+1)
}

// Close closes the Kafka reader
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close order events reader: %w", err)
	}
	return nil
}
