package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
)

// ReaperConfig holds expiry reaper configuration
type ReaperConfig struct {
	Interval  time.Duration // time between sweeps
	BatchSize int           // bound on rows handled per sweep
	LockKey   int64         // advisory lock key for the deployment singleton
}

// Validate validates the reaper configuration
func (c ReaperConfig) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("reaper interval must be at least 1 second, got %v", c.Interval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("reaper batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// ExpiryReaper reclaims inventory held by abandoned checkouts: RESERVED rows
// past their deadline are transitioned to EXPIRED, which releases the held
// quantity back into availability.
type ExpiryReaper struct {
	repo    interfaces.StockRepository
	locker  interfaces.AdvisoryLocker
	cache   interfaces.AvailabilityCache
	metrics *metrics.EngineMetrics
	config  ReaperConfig
}

// NewExpiryReaper creates a new expiry reaper
func NewExpiryReaper(repo interfaces.StockRepository, locker interfaces.AdvisoryLocker, cache interfaces.AvailabilityCache, m *metrics.EngineMetrics, config ReaperConfig) (*ExpiryReaper, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reaper configuration: %w", err)
	}

	return &ExpiryReaper{
		repo:    repo,
		locker:  locker,
		cache:   cache,
		metrics: m,
		config:  config,
	}, nil
}

// Run sweeps on a fixed interval until the context is cancelled. A failed
// sweep is logged and retried on the next tick, never in-process.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", r.config.Interval).
		Int("batch_size", r.config.BatchSize).
		Msg("Starting reservation expiry reaper")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping expiry reaper")
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// SweepOnce runs a single sweep: take the singleton guard, expire a bounded
// batch of lapsed holds, release the guard. Per-row failures do not stop
// the batch; unresolved rows are picked up on the next tick.
func (r *ExpiryReaper) SweepOnce(ctx context.Context) error {
	acquired, err := r.locker.TryAdvisoryLock(ctx, r.config.LockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire reaper lock: %w", err)
	}
	if !acquired {
		log.Debug().Msg("Reaper lock held by another instance, skipping sweep")
		return nil
	}
	defer func() {
		if err := r.locker.ReleaseAdvisoryLock(ctx, r.config.LockKey); err != nil {
			log.Error().Err(err).Msg("Failed to release reaper lock")
		}
	}()

	start := time.Now()
	expired, err := r.repo.GetExpiredReservations(ctx, r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get expired reservations: %w", err)
	}

	reaped := 0
	for i := range expired {
		if err := r.expireReservation(ctx, &expired[i]); err != nil {
			log.Error().Err(err).
				Str("reservation_id", expired[i].ReservationID.String()).
				Msg("Failed to expire reservation")
			continue
		}
		reaped++
	}

	if len(expired) > 0 {
		r.metrics.ReservationsExpired.Add(float64(reaped))
		r.invalidateCache(expired)
		log.Info().
			Int("reaped", reaped).
			Int("candidates", len(expired)).
			Dur("took", time.Since(start)).
			Msg("Expiry sweep finished")
	}
	r.metrics.ReaperSweeps.Inc()
	r.metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds())

	return nil
}

// expireReservation expires a single reservation in its own transaction.
// The conditional transition keeps the sweep safe against a confirmation
// or cancellation racing in between.
func (r *ExpiryReaper) expireReservation(ctx context.Context, reservation *models.Reservation) error {
	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := r.repo.TransitionReservation(ctx, tx, reservation.ReservationID,
		models.ReservationStatusReserved, models.ReservationStatusExpired)
	if err != nil {
		return err
	}
	if !ok {
		// resolved by confirm/cancel since the candidate scan; nothing to do
		log.Debug().
			Str("reservation_id", reservation.ReservationID.String()).
			Msg("Reservation resolved before expiry, skipping")
		return nil
	}

	event := &models.ReservationEvent{
		EventID:       uuid.New().String(),
		EventType:     models.EventTypeReservationExpired,
		ReservationID: reservation.ReservationID,
		OrderID:       reservation.OrderID,
		ProductID:     reservation.ProductID,
		Qty:           reservation.Qty,
		Status:        models.ReservationStatusExpired,
		Timestamp:     time.Now(),
	}
	if err := r.repo.CreateOutboxEvent(ctx, tx, models.EventTypeReservationExpired, reservation.OrderID.String(), event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Str("reservation_id", reservation.ReservationID.String()).
		Str("order_id", reservation.OrderID.String()).
		Str("product_id", reservation.ProductID.String()).
		Int("qty", reservation.Qty).
		Msg("Expired reservation")

	return nil
}

func (r *ExpiryReaper) invalidateCache(reservations []models.Reservation) {
	if r.cache == nil {
		return
	}

	ids := productIDsOf(reservations)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, pid := range ids {
			if err := r.cache.DeleteAvailability(ctx, pid); err != nil {
				log.Error().Err(err).Str("product_id", pid.String()).Msg("Failed to invalidate availability cache")
			}
		}
	}()
}
