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

// StockCommitter applies the durable inventory effect of a confirmed order:
// the ledger decrement. Replay-safe via the per-reservation commit marker.
type StockCommitter struct {
	repo    interfaces.StockRepository
	cache   interfaces.AvailabilityCache
	metrics *metrics.EngineMetrics
}

// NewStockCommitter creates a new stock committer
func NewStockCommitter(repo interfaces.StockRepository, cache interfaces.AvailabilityCache, m *metrics.EngineMetrics) *StockCommitter {
	return &StockCommitter{
		repo:    repo,
		cache:   cache,
		metrics: m,
	}
}

// DecrementStockForConfirmedReservations decrements the ledger once per
// CONFIRMED reservation of the order. Re-invoking for an already-committed
// order is a no-op: each reservation's commit marker is claimed with a
// conditional update before its decrement, inside one transaction, so
// duplicate webhook delivery cannot double-decrement.
func (c *StockCommitter) DecrementStockForConfirmedReservations(ctx context.Context, orderID uuid.UUID) error {
	reservations, err := c.repo.GetReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if len(reservations) == 0 {
		log.Warn().Str("order_id", orderID.String()).Msg("Commit requested for order with no reservations")
		return &models.ReservationNotFoundError{OrderID: orderID}
	}

	confirmed := make([]models.Reservation, 0, len(reservations))
	for i := range reservations {
		if reservations[i].Status == models.ReservationStatusConfirmed {
			confirmed = append(confirmed, reservations[i])
		}
	}
	if len(confirmed) == 0 {
		r := &reservations[0]
		return &models.InvalidStateError{
			ReservationID: r.ReservationID,
			OrderID:       orderID,
			Status:        r.Status,
			Reason:        "no confirmed reservations to commit",
		}
	}

	// Lock products in sorted order; commits for different orders of the
	// same product serialize on the row lock so no decrement is lost.
	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].ProductID.String() < confirmed[j].ProductID.String()
	})

	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	committed := 0
	for i := range confirmed {
		r := &confirmed[i]

		stock, err := c.repo.GetProductStockForUpdate(ctx, tx, r.ProductID)
		if err != nil {
			return err
		}
		if stock == nil {
			return &models.ProductNotFoundError{ProductID: r.ProductID}
		}

		claimed, err := c.repo.ClaimCommitMarker(ctx, tx, r.ReservationID)
		if err != nil {
			return err
		}
		if !claimed {
			// already applied by an earlier delivery
			continue
		}

		if err := c.repo.DecrementActualStock(ctx, tx, r.ProductID, r.Qty); err != nil {
			return err
		}

		event := &models.ReservationEvent{
			EventID:       uuid.New().String(),
			EventType:     models.EventTypeStockCommitted,
			ReservationID: r.ReservationID,
			OrderID:       r.OrderID,
			ProductID:     r.ProductID,
			Qty:           r.Qty,
			Status:        r.Status,
			Timestamp:     time.Now(),
		}
		if err := c.repo.CreateOutboxEvent(ctx, tx, models.EventTypeStockCommitted, r.OrderID.String(), event); err != nil {
			return err
		}

		committed++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if committed > 0 {
		c.metrics.StockCommits.Add(float64(committed))
		c.invalidateCache(confirmed)
	}

	log.Info().
		Str("order_id", orderID.String()).
		Int("committed", committed).
		Int("already_committed", len(confirmed)-committed).
		Msg("Applied ledger decrements for confirmed reservations")

	return nil
}

func (c *StockCommitter) invalidateCache(reservations []models.Reservation) {
	if c.cache == nil {
		return
	}

	ids := productIDsOf(reservations)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, pid := range ids {
			if err := c.cache.DeleteAvailability(ctx, pid); err != nil {
				log.Error().Err(err).Str("product_id", pid.String()).Msg("Failed to invalidate availability cache")
			}
		}
	}()
}
