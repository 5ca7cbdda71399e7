package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func ErrorHandlerMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		c.Next()

		// Handle any errors that occurred during request processing
		if len(c.Errors) > 0 {
			err := c.Errors.Last()

			if requestID := getRequestID(c); requestID != "" {
				c.Header("X-Request-ID", requestID)
			}

			switch err.Type {
			case gin.ErrorTypeBind:
				handleValidationError(c, err.Err)
			case gin.ErrorTypePublic:
				Response.DomainError(c, err.Err)
			default:
				handleInternalError(c, err.Err)
			}
		}
	})
}

// ResponseHelpers provides methods for REST-native responses
type ResponseHelpers struct{}

// Success sends the resource directly (no wrapper)
func (h *ResponseHelpers) Success(c *gin.Context, resource interface{}) {
	c.JSON(200, resource)
}

// Created sends a 201 created response with the created resource
func (h *ResponseHelpers) Created(c *gin.Context, resource interface{}) {
	c.JSON(201, resource)
}

// NoContent sends a 204 no content response
func (h *ResponseHelpers) NoContent(c *gin.Context) {
	c.Status(204)
}

func (h *ResponseHelpers) ValidationError(c *gin.Context, field, message string) {
	problem := models.NewValidationProblem(field, message)
	h.setRequestIDHeader(c)
	c.JSON(400, problem)
}

func (h *ResponseHelpers) MultiValidationError(c *gin.Context, violations []models.ValidationError) {
	problem := models.NewMultiValidationProblem(violations)
	h.setRequestIDHeader(c)
	c.JSON(400, problem)
}

// NotFound sends a 404 not found response
func (h *ResponseHelpers) NotFound(c *gin.Context, resource string) {
	problem := models.NewNotFoundProblem(resource)
	h.setRequestIDHeader(c)
	c.JSON(404, problem)
}

// InternalError sends a 500 internal server error response
func (h *ResponseHelpers) InternalError(c *gin.Context, detail string) {
	problem := models.NewInternalErrorProblem()
	h.setRequestIDHeader(c)

	// Log the error for debugging but don't expose internals
	log.Error().
		Str("request_id", getRequestID(c)).
		Str("detail", detail).
		Msg("Internal server error")

	c.JSON(500, problem)
}

// DomainError maps a typed domain error to its wire representation.
// Unknown errors become a 500 with internals withheld.
func (h *ResponseHelpers) DomainError(c *gin.Context, err error) {
	h.setRequestIDHeader(c)

	var insufficient *models.InsufficientStockError
	var productNotFound *models.ProductNotFoundError
	var reservationNotFound *models.ReservationNotFoundError
	var invalidState *models.InvalidStateError
	var concurrencyTimeout *models.ConcurrencyTimeoutError

	switch {
	case errors.As(err, &insufficient):
		problem := models.NewBusinessProblem(409, "Insufficient Stock", err.Error(), models.ErrorCodeInsufficientStock)
		problem.Errors = gin.H{
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
			"shortfall":  insufficient.Shortfall(),
		}
		c.JSON(409, problem)
	case errors.As(err, &productNotFound):
		c.JSON(404, models.NewNotFoundProblem("Product "+productNotFound.ProductID.String()))
	case errors.As(err, &reservationNotFound):
		c.JSON(404, models.NewNotFoundProblem("Reservations for order "+reservationNotFound.OrderID.String()))
	case errors.As(err, &invalidState):
		c.JSON(422, models.NewBusinessProblem(422, "Invalid Reservation State", err.Error(), models.ErrorCodeInvalidState))
	case errors.As(err, &concurrencyTimeout):
		c.Header("Retry-After", "1")
		c.JSON(503, models.NewRetryableProblem(err.Error()))
	default:
		h.InternalError(c, err.Error())
	}
}

// Helper functions

func (h *ResponseHelpers) setRequestIDHeader(c *gin.Context) {
	if requestID := getRequestID(c); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		return requestID.(string)
	}
	return ""
}

func handleValidationError(c *gin.Context, err error) {
	if requestID := getRequestID(c); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		violations := make([]models.ValidationError, 0, len(validationErrors))
		for _, validationError := range validationErrors {
			violations = append(violations, models.ValidationError{
				Field:   strings.ToLower(validationError.Field()),
				Message: getValidationMessage(validationError),
				Code:    validationError.Tag(),
			})
		}

		c.JSON(400, models.NewMultiValidationProblem(violations))
		return
	}

	c.JSON(400, models.NewProblemDetails(400, "Bad Request", err.Error()))
}

func handleInternalError(c *gin.Context, err error) {
	requestID := getRequestID(c)
	if requestID != "" {
		c.Header("X-Request-ID", requestID)
	}

	log.Error().
		Str("request_id", requestID).
		Err(err).
		Msg("Internal server error")

	c.JSON(500, models.NewInternalErrorProblem())
}

func getValidationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too small"
	case "max":
		return "Value is too large"
	case "oneof":
		return "Value is not one of the allowed options"
	default:
		return "Invalid value"
	}
}

// Create a global instance for easy access
var Response = &ResponseHelpers{}
