package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/repository"
)

// Publisher handles publishing reservation events to Kafka
type Publisher struct {
	writer *kafka.Writer
}

// OutboxPublisherConfig controls the outbox drain loop
type OutboxPublisherConfig struct {
	LockKey      int64
	BatchSize    int
	PollInterval time.Duration
}

// NewPublisher creates a new Kafka publisher
func NewPublisher(brokers []string, reservationEventsTopic string) *Publisher {
	// Hash balancer routes messages with the same Key (order ID) to the
	// same partition so ordering is preserved per order.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  reservationEventsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll, // Wait for all replicas
		Async:                  false,            // Synchronous writes for reliability
		AllowAutoTopicCreation: true,

		// Producer reliability settings
		BatchTimeout: 10 * time.Millisecond, // Small batch timeout for low latency
		BatchSize:    1,                     // Process one message at a time for consistency
		MaxAttempts:  3,                     // Retry failed sends
		WriteTimeout: 10 * time.Second,      // Timeout for write operations
	}

	return &Publisher{writer: writer}
}

// PublishReservationEvent publishes a reservation lifecycle event
func (p *Publisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.OrderID.String()), // Partition by order for ordering
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.EventType)},
			{Key: "event-id", Value: []byte(event.EventID)},
		},
	}

	err = p.writer.WriteMessages(ctx, message)
	if err != nil {
		log.Error().Err(err).
			Str("event_type", event.EventType).
			Str("order_id", event.OrderID.String()).
			Str("event_id", event.EventID).
			Msg("Failed to publish event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Info().
		Str("event_type", event.EventType).
		Str("order_id", event.OrderID.String()).
		Str("event_id", event.EventID).
		Msg("Published event")

	return nil
}

// PublishOutboxEvent publishes a raw event from the outbox table
func (p *Publisher) PublishOutboxEvent(ctx context.Context, outboxEvent *models.OutboxEvent) error {
	message := kafka.Message{
		Key:   []byte(outboxEvent.Key),
		Value: []byte(outboxEvent.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(outboxEvent.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka writer
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close events writer: %w", err)
	}
	return nil
}

// RunOutboxPublisher runs the outbox drain loop with advisory locking so
// only one instance per deployment publishes at a time
func (p *Publisher) RunOutboxPublisher(ctx context.Context, outboxRepo *repository.OutboxRepository, cfg OutboxPublisherConfig) {
	log.Info().
		Int64("lock_key", cfg.LockKey).
		Int("batch_size", cfg.BatchSize).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Starting outbox publisher")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping outbox publisher")
			return
		case <-ticker.C:
			if err := p.processOutboxBatch(ctx, outboxRepo, cfg.LockKey, cfg.BatchSize); err != nil {
				log.Error().Err(err).Msg("Failed to process outbox batch")
			}
		}
	}
}

// processOutboxBatch processes a single batch of outbox events
func (p *Publisher) processOutboxBatch(ctx context.Context, outboxRepo *repository.OutboxRepository, lockKey int64, batchSize int) error {
	acquired, err := outboxRepo.TryAdvisoryLock(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		// Another worker holds the lock, skip this cycle
		log.Debug().Msg("Lock held by another worker, skipping batch")
		return nil
	}

	defer func() {
		if err := outboxRepo.ReleaseAdvisoryLock(ctx, lockKey); err != nil {
			log.Error().Err(err).Msg("Failed to release outbox lock")
		}
	}()

	events, err := outboxRepo.FetchOutboxBatchOrdered(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch outbox batch: %w", err)
	}

	if len(events) == 0 {
		log.Debug().Msg("No outbox events to process")
		return nil
	}

	log.Debug().Int("count", len(events)).Msg("Processing outbox batch")

	var successfulIDs []int64
	for _, event := range events {
		if err := p.PublishOutboxEvent(ctx, &event); err != nil {
			log.Error().
				Err(err).
				Int64("outbox_id", event.ID).
				Str("event_type", event.EventType).
				Str("key", event.Key).
				Msg("Failed to publish outbox event")

			if incrementErr := outboxRepo.IncrementPublishAttempts(ctx, event.ID, err.Error()); incrementErr != nil {
				log.Error().Err(incrementErr).Int64("outbox_id", event.ID).Msg("Failed to increment publish attempts")
			}
			continue
		}

		successfulIDs = append(successfulIDs, event.ID)
		log.Debug().
			Int64("outbox_id", event.ID).
			Str("event_type", event.EventType).
			Str("key", event.Key).
			Msg("Successfully published outbox event")
	}

	if len(successfulIDs) > 0 {
		if err := outboxRepo.MarkOutboxPublished(ctx, successfulIDs); err != nil {
			return fmt.Errorf("failed to mark events as published: %w", err)
		}
		log.Info().
			Int("published_count", len(successfulIDs)).
			Int("total_count", len(events)).
			Msg("Outbox batch processed")
	}

	return nil
}
