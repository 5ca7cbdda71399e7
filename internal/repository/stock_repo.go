package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// pgLockNotAvailable is raised when lock_timeout lapses while waiting for a row lock
const pgLockNotAvailable = "55P03"

// StockRepository handles database operations for the stock ledger and the
// reservation store
type StockRepository struct {
	db         *sqlx.DB
	lockWait   time.Duration
	outboxRepo *OutboxRepository
}

// NewStockRepository creates a new stock repository. lockWait bounds how long
// a transaction waits for a per-product row lock.
func NewStockRepository(db *sqlx.DB, lockWait time.Duration) *StockRepository {
	return &StockRepository{
		db:         db,
		lockWait:   lockWait,
		outboxRepo: NewOutboxRepository(db),
	}
}

// BeginTx starts a transaction with the bounded lock wait applied
func (r *StockRepository) BeginTx(ctx context.Context) (interfaces.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin transaction")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// SET LOCAL scopes the timeout to this transaction only
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockWait.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	return tx, nil
}

func sqlxTx(tx interfaces.Tx) (*sqlx.Tx, error) {
	stx, ok := tx.(*sqlx.Tx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return stx, nil
}

// GetProductStock retrieves a ledger row without locking
func (r *StockRepository) GetProductStock(ctx context.Context, productID uuid.UUID) (*models.ProductStock, error) {
	var stock models.ProductStock
	query := `SELECT product_id, actual_qty, version, updated_at
			  FROM product_stock WHERE product_id = $1`

	err := r.db.GetContext(ctx, &stock, query, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to get product stock")
		return nil, fmt.Errorf("failed to get product stock: %w", err)
	}

	return &stock, nil
}

// GetProductStockForUpdate takes the per-product serialization point by
// locking the ledger row. The transaction's lock_timeout bounds the wait;
// a lapse surfaces as ConcurrencyTimeoutError.
func (r *StockRepository) GetProductStockForUpdate(ctx context.Context, tx interfaces.Tx, productID uuid.UUID) (*models.ProductStock, error) {
	stx, err := sqlxTx(tx)
	if err != nil {
		return nil, err
	}

	var stock models.ProductStock
	query := `SELECT product_id, actual_qty, version, updated_at
			  FROM product_stock WHERE product_id = $1 FOR UPDATE`

	err = stx.GetContext(ctx, &stock, query, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgLockNotAvailable {
			log.Warn().Str("product_id", productID.String()).Msg("Lock wait timed out on product row")
			return nil, &models.ConcurrencyTimeoutError{ProductID: productID}
		}
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to lock product stock")
		return nil, fmt.Errorf("failed to lock product stock: %w", err)
	}

	return &stock, nil
}

// CreateProductStock creates a ledger row for a new product
func (r *StockRepository) CreateProductStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error) {
	var stock models.ProductStock
	query := `INSERT INTO product_stock (product_id, actual_qty, version, updated_at)
			  VALUES ($1, $2, 1, NOW())
			  RETURNING product_id, actual_qty, version, updated_at`

	err := r.db.GetContext(ctx, &stock, query, productID, qty)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to create product stock")
		return nil, fmt.Errorf("failed to create product stock: %w", err)
	}

	return &stock, nil
}

// IncrementActualStock applies an administrative restock
func (r *StockRepository) IncrementActualStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error) {
	var stock models.ProductStock
	query := `UPDATE product_stock
			  SET actual_qty = actual_qty + $2, version = version + 1, updated_at = NOW()
			  WHERE product_id = $1
			  RETURNING product_id, actual_qty, version, updated_at`

	err := r.db.GetContext(ctx, &stock, query, productID, qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.ProductNotFoundError{ProductID: productID}
		}
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to restock product")
		return nil, fmt.Errorf("failed to restock product: %w", err)
	}

	return &stock, nil
}

// DecrementActualStock applies the conditional ledger decrement. The
// actual_qty >= qty guard makes underflow impossible at the database level.
func (r *StockRepository) DecrementActualStock(ctx context.Context, tx interfaces.Tx, productID uuid.UUID, qty int) error {
	stx, err := sqlxTx(tx)
	if err != nil {
		return err
	}

	query := `UPDATE product_stock
			  SET actual_qty = actual_qty - $2, version = version + 1, updated_at = NOW()
			  WHERE product_id = $1 AND actual_qty >= $2`

	result, err := stx.ExecContext(ctx, query, productID, qty)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to decrement stock")
		return fmt.Errorf("failed to decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("ledger decrement refused for product %s: missing row or would underflow by %d", productID, qty)
	}

	return nil
}

// SumReservedQty sums the quantities of active holds for a product. A hold
// stays active while RESERVED and, once CONFIRMED, until its ledger
// decrement lands; a confirmed row with committed_at unset is still holding
// units the ledger has not given up yet.
func (r *StockRepository) SumReservedQty(ctx context.Context, productID uuid.UUID) (int, error) {
	var reserved int
	query := `SELECT COALESCE(SUM(qty), 0) FROM stock_reservation
			  WHERE product_id = $1
			  AND (status = $2 OR (status = $3 AND committed_at IS NULL))`

	err := r.db.GetContext(ctx, &reserved, query, productID,
		models.ReservationStatusReserved, models.ReservationStatusConfirmed)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to sum reserved quantity")
		return 0, fmt.Errorf("failed to sum reserved quantity: %w", err)
	}

	return reserved, nil
}

// SumReservedQtyTx sums active holds inside a transaction, after the product
// row lock has been taken, so the figure cannot move under the caller
func (r *StockRepository) SumReservedQtyTx(ctx context.Context, tx interfaces.Tx, productID uuid.UUID) (int, error) {
	stx, err := sqlxTx(tx)
	if err != nil {
		return 0, err
	}

	var reserved int
	query := `SELECT COALESCE(SUM(qty), 0) FROM stock_reservation
			  WHERE product_id = $1
			  AND (status = $2 OR (status = $3 AND committed_at IS NULL))`

	err = stx.GetContext(ctx, &reserved, query, productID,
		models.ReservationStatusReserved, models.ReservationStatusConfirmed)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to sum reserved quantity")
		return 0, fmt.Errorf("failed to sum reserved quantity: %w", err)
	}

	return reserved, nil
}

// CreateReservation inserts a new RESERVED row
func (r *StockRepository) CreateReservation(ctx context.Context, tx interfaces.Tx, reservation *models.Reservation) error {
	stx, err := sqlxTx(tx)
	if err != nil {
		return err
	}

	query := `INSERT INTO stock_reservation
			  (reservation_id, order_id, product_id, qty, status, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, NOW(), $6)`

	_, err = stx.ExecContext(ctx, query, reservation.ReservationID, reservation.OrderID,
		reservation.ProductID, reservation.Qty, reservation.Status, reservation.ExpiresAt)
	if err != nil {
		log.Error().Err(err).Str("reservation_id", reservation.ReservationID.String()).Msg("Failed to create reservation")
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	reservation.CreatedAt = time.Now()

	return nil
}

// GetReservationsByOrder retrieves all reservations belonging to an order
func (r *StockRepository) GetReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error) {
	var reservations []models.Reservation
	query := `SELECT reservation_id, order_id, product_id, qty, status, created_at, expires_at, resolved_at, committed_at
			  FROM stock_reservation
			  WHERE order_id = $1
			  ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &reservations, query, orderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID.String()).Msg("Failed to get reservations by order")
		return nil, fmt.Errorf("failed to get reservations by order: %w", err)
	}

	return reservations, nil
}

// TransitionReservation performs the conditional one-directional status
// update. Zero rows affected means the row had already left `from`.
func (r *StockRepository) TransitionReservation(ctx context.Context, tx interfaces.Tx, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error) {
	stx, err := sqlxTx(tx)
	if err != nil {
		return false, err
	}

	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}

	query := `UPDATE stock_reservation
			  SET status = $3, resolved_at = NOW()
			  WHERE reservation_id = $1 AND status = $2`

	result, err := stx.ExecContext(ctx, query, reservationID, from, to)
	if err != nil {
		log.Error().Err(err).Str("reservation_id", reservationID.String()).Msg("Failed to transition reservation")
		return false, fmt.Errorf("failed to transition reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rowsAffected == 1, nil
}

// ClaimCommitMarker sets committed_at exactly once per reservation. The
// conditional WHERE makes ledger decrements replay-safe.
func (r *StockRepository) ClaimCommitMarker(ctx context.Context, tx interfaces.Tx, reservationID uuid.UUID) (bool, error) {
	stx, err := sqlxTx(tx)
	if err != nil {
		return false, err
	}

	query := `UPDATE stock_reservation
			  SET committed_at = NOW()
			  WHERE reservation_id = $1 AND status = $2 AND committed_at IS NULL`

	result, err := stx.ExecContext(ctx, query, reservationID, models.ReservationStatusConfirmed)
	if err != nil {
		log.Error().Err(err).Str("reservation_id", reservationID.String()).Msg("Failed to claim commit marker")
		return false, fmt.Errorf("failed to claim commit marker: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rowsAffected == 1, nil
}

// GetExpiredReservations retrieves a bounded batch of RESERVED rows whose
// deadline has passed, oldest deadline first
func (r *StockRepository) GetExpiredReservations(ctx context.Context, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	query := `SELECT reservation_id, order_id, product_id, qty, status, created_at, expires_at, resolved_at, committed_at
			  FROM stock_reservation
			  WHERE status = $1 AND expires_at < NOW()
			  ORDER BY expires_at ASC
			  LIMIT $2`

	err := r.db.SelectContext(ctx, &reservations, query, models.ReservationStatusReserved, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get expired reservations")
		return nil, fmt.Errorf("failed to get expired reservations: %w", err)
	}

	return reservations, nil
}

// CreateOutboxEvent records an event for reliable publishing in the same
// transaction as the state change it describes
func (r *StockRepository) CreateOutboxEvent(ctx context.Context, tx interfaces.Tx, eventType, key string, payload interface{}) error {
	stx, err := sqlxTx(tx)
	if err != nil {
		return err
	}
	return r.outboxRepo.InsertOutboxEvent(ctx, stx, eventType, key, payload)
}
