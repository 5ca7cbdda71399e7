package interfaces

import (
	"context"

	"stock-reservation-service/internal/models"
)

// MessagePublisher defines the contract for publishing reservation events
type MessagePublisher interface {
	PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error
	PublishOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	Close() error
}

// OrderEventHandler processes order lifecycle events from the stream
type OrderEventHandler interface {
	HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error
}

// MessageConsumer defines the contract for consuming order lifecycle events
type MessageConsumer interface {
	ConsumeOrderEvents(ctx context.Context, handler OrderEventHandler) error
	Close() error
}
