package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode represents standardized error codes surfaced to callers
type ErrorCode string

const (
	ErrorCodeInsufficientStock   ErrorCode = "INSUFFICIENT_STOCK"
	ErrorCodeProductNotFound     ErrorCode = "PRODUCT_NOT_FOUND"
	ErrorCodeReservationNotFound ErrorCode = "RESERVATION_NOT_FOUND"
	ErrorCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrorCodeConcurrencyTimeout  ErrorCode = "CONCURRENCY_TIMEOUT"
	ErrorCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

const (
	ProblemTypeValidationError = "validation-error"
	ProblemTypeBusinessError   = "business-logic-error"
	ProblemTypeNotFound        = "not-found"
	ProblemTypeInternalError   = "internal-error"
	ProblemTypeRetryable       = "retryable-conflict"
)

// InsufficientStockError is the business rejection when a request exceeds
// availability. Never retried automatically; the shortfall lets the client
// adjust quantity.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d (shortfall %d)",
		e.ProductID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall is the quantity by which the request exceeds availability
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

// ProductNotFoundError is returned when a referenced product has no ledger row
type ProductNotFoundError struct {
	ProductID uuid.UUID
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// ReservationNotFoundError is returned for confirm/cancel/commit calls
// against an order that holds no reservations. Anomalous; logged by callers.
type ReservationNotFoundError struct {
	OrderID uuid.UUID
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("no reservations found for order %s", e.OrderID)
}

// InvalidStateError is an attempted transition out of a terminal state, or a
// confirmation of a lapsed hold. Surfaced, never silently ignored.
type InvalidStateError struct {
	ReservationID uuid.UUID
	OrderID       uuid.UUID
	Status        ReservationStatus
	Reason        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("reservation %s (order %s) in status %s: %s",
		e.ReservationID, e.OrderID, e.Status, e.Reason)
}

// ConcurrencyTimeoutError means the per-product serialization point could not
// be acquired within the bounded wait. Retryable by the caller.
type ConcurrencyTimeoutError struct {
	ProductID uuid.UUID
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for serialization lock on product %s", e.ProductID)
}

// ValidationError represents a caller input error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Error type guards

func IsInsufficientStock(err error) bool {
	var e *InsufficientStockError
	return errors.As(err, &e)
}

func IsProductNotFound(err error) bool {
	var e *ProductNotFoundError
	return errors.As(err, &e)
}

func IsReservationNotFound(err error) bool {
	var e *ReservationNotFoundError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsConcurrencyTimeout(err error) bool {
	var e *ConcurrencyTimeoutError
	return errors.As(err, &e)
}

// IsBusinessRejection reports whether the error is a business outcome that
// must not be retried (as opposed to a transient infrastructure failure).
func IsBusinessRejection(err error) bool {
	return IsInsufficientStock(err) || IsProductNotFound(err) ||
		IsReservationNotFound(err) || IsInvalidState(err)
}

// GetErrorCode extracts the wire error code from a domain error
func GetErrorCode(err error) ErrorCode {
	switch {
	case IsInsufficientStock(err):
		return ErrorCodeInsufficientStock
	case IsProductNotFound(err):
		return ErrorCodeProductNotFound
	case IsReservationNotFound(err):
		return ErrorCodeReservationNotFound
	case IsInvalidState(err):
		return ErrorCodeInvalidState
	case IsConcurrencyTimeout(err):
		return ErrorCodeConcurrencyTimeout
	default:
		return ErrorCodeInternalError
	}
}

// ProblemDetails is the RFC 7807 error response body
type ProblemDetails struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Instance string      `json:"instance,omitempty"`
	Field    string      `json:"field,omitempty"`
	Code     string      `json:"code,omitempty"`
	Errors   interface{} `json:"errors,omitempty"`
}

func NewProblemDetails(status int, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// NewValidationProblem creates a single-field validation error problem
func NewValidationProblem(field, message string) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: 400,
		Detail: message,
		Field:  field,
		Code:   string(ErrorCodeValidationError),
	}
}

// NewMultiValidationProblem creates a multi-field validation error problem
func NewMultiValidationProblem(violations []ValidationError) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: 400,
		Detail: "Multiple validation errors occurred",
		Errors: violations,
	}
}

// NewBusinessProblem creates a business rejection problem with its error code
func NewBusinessProblem(status int, title, detail string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeBusinessError,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
	}
}

// NewNotFoundProblem creates a not found problem
func NewNotFoundProblem(resource string) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeNotFound,
		Title:  "Resource Not Found",
		Status: 404,
		Detail: resource + " not found",
	}
}

// NewRetryableProblem marks a transient conflict the caller may retry
func NewRetryableProblem(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeRetryable,
		Title:  "Temporarily Unavailable",
		Status: 503,
		Detail: detail,
		Code:   string(ErrorCodeConcurrencyTimeout),
	}
}

// NewInternalErrorProblem creates an internal server error problem
func NewInternalErrorProblem() *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeInternalError,
		Title:  "Internal Server Error",
		Status: 500,
		Detail: "An unexpected error occurred",
	}
}

func problemType(status int) string {
	switch status {
	case 400:
		return ProblemTypeValidationError
	case 404:
		return ProblemTypeNotFound
	case 409, 422:
		return ProblemTypeBusinessError
	case 503:
		return ProblemTypeRetryable
	default:
		return ProblemTypeInternalError
	}
}
