package interfaces

import (
	"context"

	"github.com/google/uuid"

	"stock-reservation-service/internal/models"
)

// Tx is the transaction handle passed back into repository methods.
// *sqlx.Tx satisfies it directly; test fakes provide their own.
type Tx interface {
	Commit() error
	Rollback() error
}

// StockRepository defines the data-access contract for the stock ledger and
// the reservation store. All writes to either table go through it.
type StockRepository interface {
	// Transaction management. The returned transaction carries the bounded
	// lock wait (lock_timeout) so callers never block indefinitely.
	BeginTx(ctx context.Context) (Tx, error)

	// Ledger operations
	GetProductStock(ctx context.Context, productID uuid.UUID) (*models.ProductStock, error)
	// GetProductStockForUpdate takes the per-product serialization point
	// (row lock). Returns ConcurrencyTimeoutError when the bounded wait lapses.
	GetProductStockForUpdate(ctx context.Context, tx Tx, productID uuid.UUID) (*models.ProductStock, error)
	CreateProductStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error)
	IncrementActualStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error)
	// DecrementActualStock applies the conditional ledger decrement
	// (UPDATE ... WHERE actual_qty >= qty); underflow is an error.
	DecrementActualStock(ctx context.Context, tx Tx, productID uuid.UUID, qty int) error

	// Reservation operations
	SumReservedQty(ctx context.Context, productID uuid.UUID) (int, error)
	SumReservedQtyTx(ctx context.Context, tx Tx, productID uuid.UUID) (int, error)
	CreateReservation(ctx context.Context, tx Tx, reservation *models.Reservation) error
	GetReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error)
	// TransitionReservation performs the conditional status update
	// (WHERE status = from); false means the row was no longer in `from`.
	TransitionReservation(ctx context.Context, tx Tx, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error)
	// ClaimCommitMarker sets committed_at once; false means already claimed
	ClaimCommitMarker(ctx context.Context, tx Tx, reservationID uuid.UUID) (bool, error)
	GetExpiredReservations(ctx context.Context, limit int) ([]models.Reservation, error)

	// Outbox operations
	CreateOutboxEvent(ctx context.Context, tx Tx, eventType, key string, payload interface{}) error
}

// AdvisoryLocker is the deployment-singleton guard used by the expiry reaper
// and the outbox publisher so only one instance sweeps at a time.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, lockKey int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, lockKey int64) error
}

// AvailabilityCache caches availability snapshots for display reads only;
// never authoritative for reservation decisions.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context, productID uuid.UUID) (*models.Availability, error)
	SetAvailability(ctx context.Context, availability *models.Availability) error
	DeleteAvailability(ctx context.Context, productID uuid.UUID) error
	Close() error
}
