package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
)

// ManagerConfig holds reservation manager configuration
type ManagerConfig struct {
	ReservationTTL time.Duration // window before an unconfirmed hold expires
	MaxLineQty     int           // upper bound on a single line item quantity
}

// Validate validates the manager configuration
func (c ManagerConfig) Validate() error {
	if c.ReservationTTL < time.Minute {
		return fmt.Errorf("reservation TTL must be at least 1 minute, got %v", c.ReservationTTL)
	}
	if c.MaxLineQty < 1 {
		return fmt.Errorf("max line quantity must be positive, got %d", c.MaxLineQty)
	}
	return nil
}

// ReservationManager is the sole writer of reservation state. It owns the
// concurrency discipline that prevents overselling: availability is always
// re-checked under the product row lock, in the same transaction as the
// insert.
type ReservationManager struct {
	repo    interfaces.StockRepository
	cache   interfaces.AvailabilityCache
	metrics *metrics.EngineMetrics
	config  ManagerConfig
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(repo interfaces.StockRepository, cache interfaces.AvailabilityCache, m *metrics.EngineMetrics, config ManagerConfig) (*ReservationManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager configuration: %w", err)
	}

	return &ReservationManager{
		repo:    repo,
		cache:   cache,
		metrics: m,
		config:  config,
	}, nil
}

// CreateBulkReservations creates RESERVED rows for every line item of an
// order, or none at all. Product rows are locked in sorted id order so
// concurrent multi-product batches cannot deadlock.
func (m *ReservationManager) CreateBulkReservations(ctx context.Context, orderID uuid.UUID, items []models.ReservationLine) ([]models.Reservation, error) {
	merged, err := m.mergeLines(items)
	if err != nil {
		return nil, err
	}

	tx, err := m.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	productIDs := make([]uuid.UUID, 0, len(merged))
	for pid := range merged {
		productIDs = append(productIDs, pid)
	}
	sort.Slice(productIDs, func(i, j int) bool {
		return productIDs[i].String() < productIDs[j].String()
	})

	expiresAt := time.Now().Add(m.config.ReservationTTL)
	reservations := make([]models.Reservation, 0, len(productIDs))

	for _, productID := range productIDs {
		qty := merged[productID]

		stock, err := m.repo.GetProductStockForUpdate(ctx, tx, productID)
		if err != nil {
			if models.IsConcurrencyTimeout(err) {
				m.metrics.ConcurrencyTimeouts.Inc()
			}
			return nil, err
		}
		if stock == nil {
			return nil, &models.ProductNotFoundError{ProductID: productID}
		}

		reserved, err := m.repo.SumReservedQtyTx(ctx, tx, productID)
		if err != nil {
			return nil, err
		}

		available := stock.ActualQty - reserved
		if qty > available {
			m.metrics.InsufficientStockRejections.Inc()
			return nil, &models.InsufficientStockError{
				ProductID: productID,
				Requested: qty,
				Available: available,
			}
		}

		reservation := models.Reservation{
			ReservationID: uuid.New(),
			OrderID:       orderID,
			ProductID:     productID,
			Qty:           qty,
			Status:        models.ReservationStatusReserved,
			ExpiresAt:     expiresAt,
		}

		if err := m.repo.CreateReservation(ctx, tx, &reservation); err != nil {
			return nil, err
		}

		if err := m.writeEvent(ctx, tx, models.EventTypeReservationCreated, &reservation); err != nil {
			return nil, err
		}

		reservations = append(reservations, reservation)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.metrics.ReservationsCreated.Add(float64(len(reservations)))
	m.invalidateCache(productIDs)

	log.Info().
		Str("order_id", orderID.String()).
		Int("count", len(reservations)).
		Time("expires_at", expiresAt).
		Msg("Created reservations")

	return reservations, nil
}

// ConfirmReservations transitions an order's RESERVED rows to CONFIRMED.
// Idempotent for already-CONFIRMED rows so duplicate payment webhooks are
// harmless. Lapsed holds are refused even if the reaper has not yet run.
func (m *ReservationManager) ConfirmReservations(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error) {
	reservations, err := m.repo.GetReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		log.Warn().Str("order_id", orderID.String()).Msg("Confirmation requested for order with no reservations")
		return nil, &models.ReservationNotFoundError{OrderID: orderID}
	}

	now := time.Now()
	pending := make([]models.Reservation, 0, len(reservations))
	for i := range reservations {
		r := &reservations[i]
		switch r.Status {
		case models.ReservationStatusConfirmed:
			// duplicate delivery, nothing to do for this row
		case models.ReservationStatusReserved:
			if r.Lapsed(now) {
				return nil, &models.InvalidStateError{
					ReservationID: r.ReservationID,
					OrderID:       orderID,
					Status:        r.Status,
					Reason:        "hold deadline has passed; payment must be refunded",
				}
			}
			pending = append(pending, *r)
		default:
			return nil, &models.InvalidStateError{
				ReservationID: r.ReservationID,
				OrderID:       orderID,
				Status:        r.Status,
				Reason:        "cannot confirm a reservation in a terminal state",
			}
		}
	}

	if len(pending) == 0 {
		log.Info().Str("order_id", orderID.String()).Msg("Reservations already confirmed")
		return reservations, nil
	}

	tx, err := m.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range pending {
		r := &pending[i]
		ok, err := m.repo.TransitionReservation(ctx, tx, r.ReservationID, models.ReservationStatusReserved, models.ReservationStatusConfirmed)
		if err != nil {
			return nil, err
		}
		if !ok {
			// lost the race against the reaper between read and update
			return nil, &models.InvalidStateError{
				ReservationID: r.ReservationID,
				OrderID:       orderID,
				Status:        models.ReservationStatusExpired,
				Reason:        "reservation left RESERVED before confirmation",
			}
		}

		r.Status = models.ReservationStatusConfirmed
		if err := m.writeEvent(ctx, tx, models.EventTypeReservationConfirmed, r); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.metrics.ReservationsConfirmed.Add(float64(len(pending)))
	m.invalidateCache(productIDsOf(reservations))

	for i := range reservations {
		if reservations[i].Status == models.ReservationStatusReserved {
			reservations[i].Status = models.ReservationStatusConfirmed
			reservations[i].ResolvedAt = &now
		}
	}

	log.Info().
		Str("order_id", orderID.String()).
		Int("confirmed", len(pending)).
		Msg("Confirmed reservations")

	return reservations, nil
}

// CancelReservations transitions an order's RESERVED rows to CANCELLED,
// releasing the held quantity immediately. Idempotent on repeated calls.
// EXPIRED rows are skipped: their quantity is already released. CONFIRMED
// rows cannot be cancelled.
func (m *ReservationManager) CancelReservations(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error) {
	reservations, err := m.repo.GetReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		log.Warn().Str("order_id", orderID.String()).Msg("Cancellation requested for order with no reservations")
		return nil, &models.ReservationNotFoundError{OrderID: orderID}
	}

	pending := make([]models.Reservation, 0, len(reservations))
	for i := range reservations {
		r := &reservations[i]
		switch r.Status {
		case models.ReservationStatusReserved:
			pending = append(pending, *r)
		case models.ReservationStatusCancelled, models.ReservationStatusExpired:
			// already released
		case models.ReservationStatusConfirmed:
			return nil, &models.InvalidStateError{
				ReservationID: r.ReservationID,
				OrderID:       orderID,
				Status:        r.Status,
				Reason:        "cannot cancel a confirmed reservation",
			}
		}
	}

	if len(pending) == 0 {
		return reservations, nil
	}

	tx, err := m.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for i := range pending {
		r := &pending[i]
		ok, err := m.repo.TransitionReservation(ctx, tx, r.ReservationID, models.ReservationStatusReserved, models.ReservationStatusCancelled)
		if err != nil {
			return nil, err
		}
		if !ok {
			// reaper expired it first; the quantity is released either way
			log.Warn().
				Str("reservation_id", r.ReservationID.String()).
				Msg("Reservation left RESERVED before cancellation")
			continue
		}

		r.Status = models.ReservationStatusCancelled
		if err := m.writeEvent(ctx, tx, models.EventTypeReservationCancelled, r); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.metrics.ReservationsCancelled.Add(float64(len(pending)))
	m.invalidateCache(productIDsOf(reservations))

	for i := range reservations {
		if reservations[i].Status == models.ReservationStatusReserved {
			reservations[i].Status = models.ReservationStatusCancelled
			reservations[i].ResolvedAt = &now
		}
	}

	log.Info().
		Str("order_id", orderID.String()).
		Int("cancelled", len(pending)).
		Msg("Cancelled reservations")

	return reservations, nil
}

// mergeLines validates line items and folds duplicate product references
// into one quantity per product
func (m *ReservationManager) mergeLines(items []models.ReservationLine) (map[uuid.UUID]int, error) {
	if len(items) == 0 {
		return nil, &models.ValidationError{Field: "items", Message: "at least one line item is required"}
	}

	merged := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, &models.ValidationError{Field: "product_id", Message: "product ID is required"}
		}
		if item.Qty <= 0 {
			return nil, &models.ValidationError{Field: "qty", Message: fmt.Sprintf("quantity must be positive, got %d", item.Qty)}
		}
		merged[item.ProductID] += item.Qty
		if merged[item.ProductID] > m.config.MaxLineQty {
			return nil, &models.ValidationError{
				Field:   "qty",
				Message: fmt.Sprintf("quantity %d exceeds maximum allowed %d", merged[item.ProductID], m.config.MaxLineQty),
			}
		}
	}

	return merged, nil
}

func (m *ReservationManager) writeEvent(ctx context.Context, tx interfaces.Tx, eventType string, r *models.Reservation) error {
	event := &models.ReservationEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		ReservationID: r.ReservationID,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Qty:           r.Qty,
		Status:        r.Status,
		Timestamp:     time.Now(),
	}
	// keyed by order so consumers see an order's events in sequence
	return m.repo.CreateOutboxEvent(ctx, tx, eventType, r.OrderID.String(), event)
}

// invalidateCache drops display-cache snapshots for the touched products
func (m *ReservationManager) invalidateCache(productIDs []uuid.UUID) {
	if m.cache == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, pid := range productIDs {
			if err := m.cache.DeleteAvailability(ctx, pid); err != nil {
				log.Error().Err(err).Str("product_id", pid.String()).Msg("Failed to invalidate availability cache")
			}
		}
	}()
}

func productIDsOf(reservations []models.Reservation) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(reservations))
	ids := make([]uuid.UUID, 0, len(reservations))
	for i := range reservations {
		if _, ok := seen[reservations[i].ProductID]; ok {
			continue
		}
		seen[reservations[i].ProductID] = struct{}{}
		ids = append(ids, reservations[i].ProductID)
	}
	return ids
}
