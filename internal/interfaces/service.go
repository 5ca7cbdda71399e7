package interfaces

import (
	"context"

	"github.com/google/uuid"

	"stock-reservation-service/internal/models"
)

// StockValidator is the read-only availability contract
type StockValidator interface {
	CheckAvailability(ctx context.Context, productID uuid.UUID, requestedQty int) error
	GetAvailability(ctx context.Context, productID uuid.UUID) (*models.Availability, error)
}

// ReservationManager is the sole writer of reservation state
type ReservationManager interface {
	CreateBulkReservations(ctx context.Context, orderID uuid.UUID, items []models.ReservationLine) ([]models.Reservation, error)
	ConfirmReservations(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error)
	CancelReservations(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error)
}

// StockCommitter applies the durable ledger effect of a confirmed order
type StockCommitter interface {
	DecrementStockForConfirmedReservations(ctx context.Context, orderID uuid.UUID) error
}

// OrderLifecycle is the integration surface driven by the order service and
// the payment gateway (webhook or event stream).
type OrderLifecycle interface {
	OrderCreated(ctx context.Context, orderID uuid.UUID, items []models.ReservationLine) ([]models.Reservation, error)
	PaymentConfirmed(ctx context.Context, orderID uuid.UUID) error
	PaymentFailed(ctx context.Context, orderID uuid.UUID) error
	PaymentTimedOut(ctx context.Context, orderID uuid.UUID) error
}
