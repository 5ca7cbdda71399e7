package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the state of a stock reservation
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "RESERVED"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions
func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationStatusConfirmed, ReservationStatusCancelled, ReservationStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the one-directional state machine allows s -> to
func (s ReservationStatus) CanTransitionTo(to ReservationStatus) bool {
	if s != ReservationStatusReserved {
		return false
	}
	switch to {
	case ReservationStatusConfirmed, ReservationStatusCancelled, ReservationStatusExpired:
		return true
	}
	return false
}

// Event types published to the reservation events topic
const (
	EventTypeReservationCreated   = "reservation_created"
	EventTypeReservationConfirmed = "reservation_confirmed"
	EventTypeReservationCancelled = "reservation_cancelled"
	EventTypeReservationExpired   = "reservation_expired"
	EventTypeStockCommitted       = "stock_committed"
)

// Event types consumed from the order lifecycle topic
const (
	OrderEventCreated          = "order_created"
	OrderEventPaymentConfirmed = "payment_confirmed"
	OrderEventPaymentFailed    = "payment_failed"
	OrderEventPaymentTimedOut  = "payment_timed_out"
)

// Domain Models

// ProductStock represents the product_stock ledger row
type ProductStock struct {
	ProductID uuid.UUID `db:"product_id" json:"product_id"`
	ActualQty int       `db:"actual_qty" json:"actual_qty"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation represents the stock_reservation table row
type Reservation struct {
	ReservationID uuid.UUID         `db:"reservation_id" json:"reservation_id"`
	OrderID       uuid.UUID         `db:"order_id" json:"order_id"`
	ProductID     uuid.UUID         `db:"product_id" json:"product_id"`
	Qty           int               `db:"qty" json:"qty"`
	Status        ReservationStatus `db:"status" json:"status"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time         `db:"expires_at" json:"expires_at"`
	ResolvedAt    *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
	CommittedAt   *time.Time        `db:"committed_at" json:"committed_at,omitempty"`
}

// Lapsed reports whether the reservation's deadline has passed.
// A lapsed RESERVED row is unavailable-for-confirmation even before
// the reaper formally expires it.
func (r *Reservation) Lapsed(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ReservationLine is one product/quantity pair of an order's reservation batch
type ReservationLine struct {
	ProductID uuid.UUID `json:"product_id" binding:"required" validate:"required"`
	Qty       int       `json:"qty" binding:"required,min=1" validate:"required,min=1"`
}

// Availability is the derived snapshot: actual minus active holds.
// Advisory only; reservation decisions re-read under lock.
type Availability struct {
	ProductID    uuid.UUID `json:"product_id"`
	ActualQty    int       `json:"actual_qty"`
	ReservedQty  int       `json:"reserved_qty"`
	AvailableQty int       `json:"available_qty"`
	CacheHit     bool      `json:"cache_hit"`
	LastUpdated  time.Time `json:"last_updated"`
}

// OutboxEvent represents the outbox pattern table for reliable event publishing
type OutboxEvent struct {
	ID              int64     `db:"id" json:"id"`
	EventType       string    `db:"event_type" json:"event_type"`
	Key             string    `db:"key" json:"key"`
	Payload         string    `db:"payload" json:"payload"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	Published       bool      `db:"published" json:"published"`
	PublishAttempts int       `db:"publish_attempts" json:"publish_attempts"`
	LastError       *string   `db:"last_error" json:"last_error,omitempty"`
}

// ReservationEvent is the payload published for reservation lifecycle changes
type ReservationEvent struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	ReservationID uuid.UUID         `json:"reservation_id"`
	OrderID       uuid.UUID         `json:"order_id"`
	ProductID     uuid.UUID         `json:"product_id"`
	Qty           int               `json:"qty"`
	Status        ReservationStatus `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
}

// OrderEvent is the payload consumed from the order lifecycle topic
type OrderEvent struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	OrderID   uuid.UUID         `json:"order_id"`
	Items     []ReservationLine `json:"items,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// API Request Models

// CreateReservationsRequest is the bulk reservation request body
type CreateReservationsRequest struct {
	Items []ReservationLine `json:"items" binding:"required,min=1,dive" validate:"required,min=1,dive"`
}

// PaymentCallbackRequest is the payment gateway webhook body
type PaymentCallbackRequest struct {
	OrderID uuid.UUID `json:"order_id" binding:"required" validate:"required"`
	Status  string    `json:"status" binding:"required,oneof=success failure timeout" validate:"required,oneof=success failure timeout"`
}

// CreateProductRequest creates a ledger row for a new product
type CreateProductRequest struct {
	ProductID uuid.UUID `json:"product_id" binding:"required" validate:"required"`
	ActualQty int       `json:"actual_qty" binding:"min=0" validate:"min=0"`
}

// RestockRequest is the administrative ledger increment
type RestockRequest struct {
	Qty int `json:"qty" binding:"required,min=1" validate:"required,min=1"`
}

// API Response Models

// ReservationResponse is the wire form of a reservation row
type ReservationResponse struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	OrderID       uuid.UUID         `json:"order_id"`
	ProductID     uuid.UUID         `json:"product_id"`
	Qty           int               `json:"qty"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewReservationResponse maps a reservation row to its wire form
func NewReservationResponse(r *Reservation) ReservationResponse {
	return ReservationResponse{
		ReservationID: r.ReservationID,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Qty:           r.Qty,
		Status:        r.Status,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
	}
}
