package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// StockValidator computes availability snapshots. It performs no writes and
// holds no locks; its answers are advisory until the reservation manager
// re-validates under the product row lock.
type StockValidator struct {
	repo  interfaces.StockRepository
	cache interfaces.AvailabilityCache
}

// NewStockValidator creates a new stock validator
func NewStockValidator(repo interfaces.StockRepository, cache interfaces.AvailabilityCache) *StockValidator {
	return &StockValidator{
		repo:  repo,
		cache: cache,
	}
}

// CheckAvailability rejects requests exceeding the current snapshot. Always
// reads the database: staleness here directly causes false acceptance.
func (v *StockValidator) CheckAvailability(ctx context.Context, productID uuid.UUID, requestedQty int) error {
	if requestedQty <= 0 {
		return &models.ValidationError{Field: "qty", Message: fmt.Sprintf("quantity must be positive, got %d", requestedQty)}
	}

	stock, err := v.repo.GetProductStock(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to read product stock: %w", err)
	}
	if stock == nil {
		return &models.ProductNotFoundError{ProductID: productID}
	}

	reserved, err := v.repo.SumReservedQty(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to sum reserved quantity: %w", err)
	}

	available := stock.ActualQty - reserved
	if requestedQty > available {
		return &models.InsufficientStockError{
			ProductID: productID,
			Requested: requestedQty,
			Available: available,
		}
	}

	return nil
}

// GetAvailability returns the {actual, reserved, available} snapshot for
// display and pre-validation. The cache path is display-only; misses fall
// through to the database and re-fill asynchronously.
func (v *StockValidator) GetAvailability(ctx context.Context, productID uuid.UUID) (*models.Availability, error) {
	if v.cache != nil {
		cached, err := v.cache.GetAvailability(ctx, productID)
		if err != nil {
			log.Error().Err(err).Str("product_id", productID.String()).Msg("Cache error, falling back to database")
		}
		if cached != nil {
			cached.CacheHit = true
			return cached, nil
		}
	}

	stock, err := v.repo.GetProductStock(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to read product stock: %w", err)
	}
	if stock == nil {
		return nil, &models.ProductNotFoundError{ProductID: productID}
	}

	reserved, err := v.repo.SumReservedQty(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum reserved quantity: %w", err)
	}

	availability := &models.Availability{
		ProductID:    productID,
		ActualQty:    stock.ActualQty,
		ReservedQty:  reserved,
		AvailableQty: stock.ActualQty - reserved,
		LastUpdated:  stock.UpdatedAt,
	}

	if v.cache != nil {
		snapshot := *availability
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := v.cache.SetAvailability(ctx, &snapshot); err != nil {
				log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to cache availability")
			}
		}()
	}

	return availability, nil
}
