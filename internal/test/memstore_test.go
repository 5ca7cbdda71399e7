package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/models"
)

// memStore is an in-memory StockRepository. A transaction takes the store
// mutex on its first locked operation and holds it until Commit or Rollback,
// which reproduces the row-lock serialization the Postgres repository gets
// from SELECT ... FOR UPDATE closely enough for concurrency tests.
type memStore struct {
	mu           sync.Mutex
	products     map[uuid.UUID]*models.ProductStock
	reservations map[uuid.UUID]*models.Reservation
	orderIndex   map[uuid.UUID][]uuid.UUID
	outbox       []models.OutboxEvent
}

func newMemStore() *memStore {
	return &memStore{
		products:     make(map[uuid.UUID]*models.ProductStock),
		reservations: make(map[uuid.UUID]*models.Reservation),
		orderIndex:   make(map[uuid.UUID][]uuid.UUID),
	}
}

// seedProduct creates a ledger row directly, bypassing the repository API
func (s *memStore) seedProduct(productID uuid.UUID, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productID] = &models.ProductStock{
		ProductID: productID,
		ActualQty: qty,
		Version:   1,
		UpdatedAt: time.Now(),
	}
}

func (s *memStore) actualQty(productID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		return p.ActualQty
	}
	return -1
}

func (s *memStore) reservationStatus(reservationID uuid.UUID) models.ReservationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reservations[reservationID]; ok {
		return r.Status
	}
	return ""
}

func (s *memStore) outboxEventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.outbox))
	for i := range s.outbox {
		types = append(types, s.outbox[i].EventType)
	}
	return types
}

// memTx implements interfaces.Tx over the store mutex with an undo journal
type memTx struct {
	store  *memStore
	locked bool
	done   bool
	undo   []func()
}

func (t *memTx) lock() {
	if !t.locked {
		t.store.mu.Lock()
		t.locked = true
	}
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.undo = nil
	if t.locked {
		t.store.mu.Unlock()
		t.locked = false
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	if t.locked {
		t.store.mu.Unlock()
		t.locked = false
	}
	return nil
}

func asMemTx(tx interfaces.Tx) (*memTx, error) {
	t, ok := tx.(*memTx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return t, nil
}

func (s *memStore) BeginTx(ctx context.Context) (interfaces.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memStore) GetProductStock(ctx context.Context, productID uuid.UUID) (*models.ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetProductStockForUpdate(ctx context.Context, tx interfaces.Tx, productID uuid.UUID) (*models.ProductStock, error) {
	t, err := asMemTx(tx)
	if err != nil {
		return nil, err
	}
	t.lock()
	p, ok := s.products[productID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreateProductStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; ok {
		return nil, fmt.Errorf("product %s already exists", productID)
	}
	p := &models.ProductStock{
		ProductID: productID,
		ActualQty: qty,
		Version:   1,
		UpdatedAt: time.Now(),
	}
	s.products[productID] = p
	cp := *p
	return &cp, nil
}

func (s *memStore) IncrementActualStock(ctx context.Context, productID uuid.UUID, qty int) (*models.ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, &models.ProductNotFoundError{ProductID: productID}
	}
	p.ActualQty += qty
	p.Version++
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (s *memStore) DecrementActualStock(ctx context.Context, tx interfaces.Tx, productID uuid.UUID, qty int) error {
	t, err := asMemTx(tx)
	if err != nil {
		return err
	}
	t.lock()
	p, ok := s.products[productID]
	if !ok {
		return &models.ProductNotFoundError{ProductID: productID}
	}
	if p.ActualQty < qty {
		return fmt.Errorf("cannot decrement product %s by %d, only %d on hand", productID, qty, p.ActualQty)
	}
	prevQty, prevVersion := p.ActualQty, p.Version
	p.ActualQty -= qty
	p.Version++
	t.undo = append(t.undo, func() {
		p.ActualQty = prevQty
		p.Version = prevVersion
	})
	return nil
}

func (s *memStore) sumReservedLocked(productID uuid.UUID) int {
	sum := 0
	for _, r := range s.reservations {
		if r.ProductID != productID {
			continue
		}
		switch r.Status {
		case models.ReservationStatusReserved:
			sum += r.Qty
		case models.ReservationStatusConfirmed:
			// still holding units until the ledger decrement lands
			if r.CommittedAt == nil {
				sum += r.Qty
			}
		}
	}
	return sum
}

func (s *memStore) SumReservedQty(ctx context.Context, productID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumReservedLocked(productID), nil
}

func (s *memStore) SumReservedQtyTx(ctx context.Context, tx interfaces.Tx, productID uuid.UUID) (int, error) {
	t, err := asMemTx(tx)
	if err != nil {
		return 0, err
	}
	t.lock()
	return s.sumReservedLocked(productID), nil
}

func (s *memStore) CreateReservation(ctx context.Context, tx interfaces.Tx, reservation *models.Reservation) error {
	t, err := asMemTx(tx)
	if err != nil {
		return err
	}
	t.lock()
	cp := *reservation
	cp.CreatedAt = time.Now()
	s.reservations[cp.ReservationID] = &cp
	s.orderIndex[cp.OrderID] = append(s.orderIndex[cp.OrderID], cp.ReservationID)
	reservation.CreatedAt = cp.CreatedAt
	t.undo = append(t.undo, func() {
		delete(s.reservations, cp.ReservationID)
		ids := s.orderIndex[cp.OrderID]
		s.orderIndex[cp.OrderID] = ids[:len(ids)-1]
	})
	return nil
}

func (s *memStore) GetReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.orderIndex[orderID]
	out := make([]models.Reservation, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.reservations[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) TransitionReservation(ctx context.Context, tx interfaces.Tx, reservationID uuid.UUID, from, to models.ReservationStatus) (bool, error) {
	t, err := asMemTx(tx)
	if err != nil {
		return false, err
	}
	t.lock()
	r, ok := s.reservations[reservationID]
	if !ok || r.Status != from {
		return false, nil
	}
	prevStatus, prevResolved := r.Status, r.ResolvedAt
	now := time.Now()
	r.Status = to
	r.ResolvedAt = &now
	t.undo = append(t.undo, func() {
		r.Status = prevStatus
		r.ResolvedAt = prevResolved
	})
	return true, nil
}

func (s *memStore) ClaimCommitMarker(ctx context.Context, tx interfaces.Tx, reservationID uuid.UUID) (bool, error) {
	t, err := asMemTx(tx)
	if err != nil {
		return false, err
	}
	t.lock()
	r, ok := s.reservations[reservationID]
	if !ok || r.CommittedAt != nil {
		return false, nil
	}
	now := time.Now()
	r.CommittedAt = &now
	t.undo = append(t.undo, func() {
		r.CommittedAt = nil
	})
	return true, nil
}

func (s *memStore) GetExpiredReservations(ctx context.Context, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]models.Reservation, 0, limit)
	for _, r := range s.reservations {
		if len(out) >= limit {
			break
		}
		if r.Status == models.ReservationStatusReserved && now.After(r.ExpiresAt) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) CreateOutboxEvent(ctx context.Context, tx interfaces.Tx, eventType, key string, payload interface{}) error {
	t, err := asMemTx(tx)
	if err != nil {
		return err
	}
	t.lock()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.outbox = append(s.outbox, models.OutboxEvent{
		ID:        int64(len(s.outbox) + 1),
		EventType: eventType,
		Key:       key,
		Payload:   string(data),
		CreatedAt: time.Now(),
	})
	t.undo = append(t.undo, func() {
		s.outbox = s.outbox[:len(s.outbox)-1]
	})
	return nil
}

// memLocker is an in-memory advisory lock table
type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[int64]bool)}
}

func (l *memLocker) TryAdvisoryLock(ctx context.Context, lockKey int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockKey] {
		return false, nil
	}
	l.held[lockKey] = true
	return true, nil
}

func (l *memLocker) ReleaseAdvisoryLock(ctx context.Context, lockKey int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey)
	return nil
}

// memCache is an in-memory availability cache recording invalidations
type memCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.Availability
	deletes int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[uuid.UUID]*models.Availability)}
}

func (c *memCache) GetAvailability(ctx context.Context, productID uuid.UUID) (*models.Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.entries[productID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (c *memCache) SetAvailability(ctx context.Context, availability *models.Availability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *availability
	c.entries[availability.ProductID] = &cp
	return nil
}

func (c *memCache) DeleteAvailability(ctx context.Context, productID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, productID)
	c.deletes++
	return nil
}

func (c *memCache) Close() error {
	return nil
}
