package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/service"
)

func newTestManager(t *testing.T, store *memStore) *service.ReservationManager {
	t.Helper()
	manager, err := service.NewReservationManager(store, nil, metrics.New("test"), service.ManagerConfig{
		ReservationTTL: 30 * time.Minute,
		MaxLineQty:     1000,
	})
	require.NoError(t, err)
	return manager
}

// seedReservation inserts a reservation row directly, bypassing the manager
func seedReservation(store *memStore, orderID, productID uuid.UUID, qty int, status models.ReservationStatus, expiresAt time.Time) uuid.UUID {
	store.mu.Lock()
	defer store.mu.Unlock()
	id := uuid.New()
	store.reservations[id] = &models.Reservation{
		ReservationID: id,
		OrderID:       orderID,
		ProductID:     productID,
		Qty:           qty,
		Status:        status,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
	store.orderIndex[orderID] = append(store.orderIndex[orderID], id)
	return id
}

func TestManagerConfigValidate(t *testing.T) {
	assert.Error(t, service.ManagerConfig{ReservationTTL: time.Second, MaxLineQty: 10}.Validate())
	assert.Error(t, service.ManagerConfig{ReservationTTL: time.Hour, MaxLineQty: 0}.Validate())
	assert.NoError(t, service.ManagerConfig{ReservationTTL: 30 * time.Minute, MaxLineQty: 100}.Validate())
}

func TestCreateBulkReservations(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productA := uuid.New()
	productB := uuid.New()
	store.seedProduct(productA, 10)
	store.seedProduct(productB, 5)

	orderID := uuid.New()
	reservations, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productA, Qty: 3},
		{ProductID: productB, Qty: 5},
	})

	require.NoError(t, err)
	require.Len(t, reservations, 2)
	for _, r := range reservations {
		assert.Equal(t, models.ReservationStatusReserved, r.Status)
		assert.Equal(t, orderID, r.OrderID)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), r.ExpiresAt, 5*time.Second)
	}

	// holds reduce availability but never touch the ledger
	assert.Equal(t, 10, store.actualQty(productA))
	reservedA, err := store.SumReservedQty(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 3, reservedA)

	// every created hold writes an outbox event in the same transaction
	assert.Equal(t, []string{models.EventTypeReservationCreated, models.EventTypeReservationCreated}, store.outboxEventTypes())
}

func TestCreateBulkReservationsMergesDuplicateLines(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)

	productID := uuid.New()
	store.seedProduct(productID, 10)

	reservations, err := manager.CreateBulkReservations(context.Background(), uuid.New(), []models.ReservationLine{
		{ProductID: productID, Qty: 2},
		{ProductID: productID, Qty: 3},
	})

	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, 5, reservations[0].Qty)
}

func TestCreateBulkReservationsInsufficientStock(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 5)

	_, err := manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{
		{ProductID: productID, Qty: 8},
	})

	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 8, insufficient.Requested)
	assert.Equal(t, 5, insufficient.Available)
	assert.Equal(t, 3, insufficient.Shortfall())

	// rejected request leaves nothing behind
	reserved, err := store.SumReservedQty(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, reserved)
	assert.Empty(t, store.outboxEventTypes())
}

func TestCreateBulkReservationsAllOrNothing(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productA := uuid.New()
	productB := uuid.New()
	store.seedProduct(productA, 10)
	store.seedProduct(productB, 1)

	_, err := manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{
		{ProductID: productA, Qty: 3},
		{ProductID: productB, Qty: 2},
	})

	assert.True(t, models.IsInsufficientStock(err))

	// the passing line must be rolled back along with the failing one
	reservedA, err := store.SumReservedQty(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 0, reservedA)
	assert.Empty(t, store.outboxEventTypes())
}

func TestCreateBulkReservationsUnknownProduct(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)

	_, err := manager.CreateBulkReservations(context.Background(), uuid.New(), []models.ReservationLine{
		{ProductID: uuid.New(), Qty: 1},
	})

	assert.True(t, models.IsProductNotFound(err))
}

func TestCreateBulkReservationsValidation(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()
	productID := uuid.New()
	store.seedProduct(productID, 10)

	_, err := manager.CreateBulkReservations(ctx, uuid.New(), nil)
	assert.Error(t, err)

	_, err = manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{{ProductID: productID, Qty: 0}})
	assert.Error(t, err)

	_, err = manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{{ProductID: uuid.Nil, Qty: 1}})
	assert.Error(t, err)

	_, err = manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{{ProductID: productID, Qty: 1001}})
	assert.Error(t, err)
}

// Fifty concurrent single-unit requests against ten units of stock must
// produce exactly ten holds and forty rejections, never an oversell.
func TestConcurrentReservationsNeverOversell(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.CreateBulkReservations(ctx, uuid.New(), []models.ReservationLine{
				{ProductID: productID, Qty: 1},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case models.IsInsufficientStock(err):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 40, rejected)

	reserved, err := store.SumReservedQty(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 10, reserved)
}

// Concurrent batches touching the same products in opposite request order
// must all run to completion: products are locked in sorted id order
// regardless of how the caller listed them.
func TestConcurrentMultiProductBatches(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productA := uuid.New()
	productB := uuid.New()
	store.seedProduct(productA, 10)
	store.seedProduct(productB, 10)

	const callers = 30
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		lines := []models.ReservationLine{
			{ProductID: productA, Qty: 1},
			{ProductID: productB, Qty: 1},
		}
		if i%2 == 1 {
			lines[0], lines[1] = lines[1], lines[0]
		}
		go func(lines []models.ReservationLine) {
			defer wg.Done()
			_, err := manager.CreateBulkReservations(ctx, uuid.New(), lines)
			results <- err
		}(lines)
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case models.IsInsufficientStock(err):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// each winner takes one unit of both products, all or nothing
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 20, rejected)

	reservedA, err := store.SumReservedQty(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 10, reservedA)

	reservedB, err := store.SumReservedQty(ctx, productB)
	require.NoError(t, err)
	assert.Equal(t, 10, reservedB)
}

func TestConfirmReservations(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	created, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productID, Qty: 4},
	})
	require.NoError(t, err)

	confirmed, err := manager.ConfirmReservations(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, models.ReservationStatusConfirmed, confirmed[0].Status)
	assert.Equal(t, models.ReservationStatusConfirmed, store.reservationStatus(created[0].ReservationID))

	// a confirmed hold keeps counting until its ledger decrement lands
	reserved, err := store.SumReservedQty(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 4, reserved)

	// confirmation alone never touches the ledger
	assert.Equal(t, 10, store.actualQty(productID))
}

// A hold confirmed but not yet committed is in neither the RESERVED sum nor
// off the ledger. It must still block new reservations for the same units,
// otherwise the pending ledger decrement drives availability negative.
func TestConfirmedHoldCountsUntilCommitted(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	committer := newTestCommitter(store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 1)

	orderOne := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderOne, []models.ReservationLine{
		{ProductID: productID, Qty: 1},
	})
	require.NoError(t, err)
	_, err = manager.ConfirmReservations(ctx, orderOne)
	require.NoError(t, err)

	// the unit is spoken for even though the ledger still shows 1
	orderTwo := uuid.New()
	_, err = manager.CreateBulkReservations(ctx, orderTwo, []models.ReservationLine{
		{ProductID: productID, Qty: 1},
	})
	require.True(t, models.IsInsufficientStock(err))

	require.NoError(t, committer.DecrementStockForConfirmedReservations(ctx, orderOne))
	assert.Equal(t, 0, store.actualQty(productID))

	reserved, err := store.SumReservedQty(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, reserved)

	// still nothing to sell after the decrement landed
	_, err = manager.CreateBulkReservations(ctx, orderTwo, []models.ReservationLine{
		{ProductID: productID, Qty: 1},
	})
	require.True(t, models.IsInsufficientStock(err))
}

func TestConfirmReservationsIdempotent(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productID, Qty: 2},
	})
	require.NoError(t, err)

	first, err := manager.ConfirmReservations(ctx, orderID)
	require.NoError(t, err)

	// duplicate webhook delivery
	second, err := manager.ConfirmReservations(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
	assert.Equal(t, models.ReservationStatusConfirmed, second[0].Status)

	// the confirmation event is written once, not once per delivery
	types := store.outboxEventTypes()
	confirmEvents := 0
	for _, et := range types {
		if et == models.EventTypeReservationConfirmed {
			confirmEvents++
		}
	}
	assert.Equal(t, 1, confirmEvents)
}

func TestConfirmLapsedHoldRefused(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	seedReservation(store, orderID, productID, 2, models.ReservationStatusReserved, time.Now().Add(-time.Minute))

	_, err := manager.ConfirmReservations(context.Background(), orderID)

	var invalid *models.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "deadline has passed")
}

func TestConfirmUnknownOrder(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)

	_, err := manager.ConfirmReservations(context.Background(), uuid.New())
	assert.True(t, models.IsReservationNotFound(err))
}

func TestConfirmAfterCancelRefused(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productID, Qty: 2},
	})
	require.NoError(t, err)

	_, err = manager.CancelReservations(ctx, orderID)
	require.NoError(t, err)

	_, err = manager.ConfirmReservations(ctx, orderID)
	assert.True(t, models.IsInvalidState(err))
}

func TestCancelReleasesAvailability(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	// five units; first order takes them all
	productID := uuid.New()
	store.seedProduct(productID, 5)

	orderOne := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderOne, []models.ReservationLine{
		{ProductID: productID, Qty: 5},
	})
	require.NoError(t, err)

	// second order cannot fit while the first holds everything
	orderTwo := uuid.New()
	_, err = manager.CreateBulkReservations(ctx, orderTwo, []models.ReservationLine{
		{ProductID: productID, Qty: 3},
	})
	assert.True(t, models.IsInsufficientStock(err))

	// cancelling the first releases the quantity for the retry
	_, err = manager.CancelReservations(ctx, orderOne)
	require.NoError(t, err)

	retried, err := manager.CreateBulkReservations(ctx, orderTwo, []models.ReservationLine{
		{ProductID: productID, Qty: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, retried[0].Qty)
}

func TestCancelReservationsIdempotent(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productID, Qty: 2},
	})
	require.NoError(t, err)

	_, err = manager.CancelReservations(ctx, orderID)
	require.NoError(t, err)

	rows, err := manager.CancelReservations(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCancelled, rows[0].Status)
}

func TestCancelConfirmedRefused(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)
	ctx := context.Background()

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	_, err := manager.CreateBulkReservations(ctx, orderID, []models.ReservationLine{
		{ProductID: productID, Qty: 2},
	})
	require.NoError(t, err)

	_, err = manager.ConfirmReservations(ctx, orderID)
	require.NoError(t, err)

	_, err = manager.CancelReservations(ctx, orderID)
	assert.True(t, models.IsInvalidState(err))
}

func TestCancelExpiredRowSkipped(t *testing.T) {
	store := newMemStore()
	manager := newTestManager(t, store)

	productID := uuid.New()
	store.seedProduct(productID, 10)

	orderID := uuid.New()
	id := seedReservation(store, orderID, productID, 2, models.ReservationStatusExpired, time.Now().Add(-time.Hour))

	// quantity already released by expiry; cancel is a harmless no-op
	rows, err := manager.CancelReservations(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ReservationStatusExpired, store.reservationStatus(id))
}
