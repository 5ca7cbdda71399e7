package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// OrderLifecycle wires the order service and payment gateway into the
// reservation engine. The same operations back both the event stream and
// the synchronous payment webhook.
type OrderLifecycle struct {
	manager   interfaces.ReservationManager
	committer interfaces.StockCommitter
}

// NewOrderLifecycle creates a new order lifecycle integration
func NewOrderLifecycle(manager interfaces.ReservationManager, committer interfaces.StockCommitter) *OrderLifecycle {
	return &OrderLifecycle{
		manager:   manager,
		committer: committer,
	}
}

// OrderCreated places the reservation batch for a new order. On failure the
// caller (the order-creation transaction) rolls back entirely.
func (l *OrderLifecycle) OrderCreated(ctx context.Context, orderID uuid.UUID, items []models.ReservationLine) ([]models.Reservation, error) {
	return l.manager.CreateBulkReservations(ctx, orderID, items)
}

// PaymentConfirmed confirms the order's reservations and applies the ledger
// decrement. Both steps are idempotent, so redelivered webhooks are no-ops.
func (l *OrderLifecycle) PaymentConfirmed(ctx context.Context, orderID uuid.UUID) error {
	if _, err := l.manager.ConfirmReservations(ctx, orderID); err != nil {
		return err
	}
	return l.committer.DecrementStockForConfirmedReservations(ctx, orderID)
}

// PaymentFailed releases the order's holds
func (l *OrderLifecycle) PaymentFailed(ctx context.Context, orderID uuid.UUID) error {
	_, err := l.manager.CancelReservations(ctx, orderID)
	return err
}

// PaymentTimedOut releases the order's holds after the gateway gave up
func (l *OrderLifecycle) PaymentTimedOut(ctx context.Context, orderID uuid.UUID) error {
	_, err := l.manager.CancelReservations(ctx, orderID)
	return err
}

// HandleOrderEvent dispatches an order lifecycle event from the stream.
// Business rejections are terminal outcomes, not transport failures: they
// are logged and swallowed so the consumer commits the message, while the
// compensation (refund, customer notice) belongs to the order service.
func (l *OrderLifecycle) HandleOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	log.Info().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("order_id", event.OrderID.String()).
		Msg("Processing order lifecycle event")

	var err error
	switch event.EventType {
	case models.OrderEventCreated:
		_, err = l.OrderCreated(ctx, event.OrderID, event.Items)
	case models.OrderEventPaymentConfirmed:
		err = l.PaymentConfirmed(ctx, event.OrderID)
	case models.OrderEventPaymentFailed:
		err = l.PaymentFailed(ctx, event.OrderID)
	case models.OrderEventPaymentTimedOut:
		err = l.PaymentTimedOut(ctx, event.OrderID)
	default:
		log.Warn().Str("event_type", event.EventType).Msg("Unknown order event type")
		return nil
	}

	if err != nil {
		if models.IsBusinessRejection(err) {
			log.Warn().Err(err).
				Str("event_type", event.EventType).
				Str("order_id", event.OrderID.String()).
				Msg("Order event rejected by reservation engine")
			return nil
		}
		return fmt.Errorf("failed to handle %s for order %s: %w", event.EventType, event.OrderID, err)
	}

	return nil
}
