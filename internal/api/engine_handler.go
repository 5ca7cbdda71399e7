package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	"stock-reservation-service/internal/models"
)

// EngineHandler handles HTTP requests for the reservation engine
type EngineHandler struct {
	validator interfaces.StockValidator
	manager   interfaces.ReservationManager
	lifecycle interfaces.OrderLifecycle
	repo      interfaces.StockRepository
	cache     interfaces.AvailabilityCache
	metrics   *metrics.EngineMetrics
}

// NewEngineHandler creates a new reservation engine API handler
func NewEngineHandler(
	validator interfaces.StockValidator,
	manager interfaces.ReservationManager,
	lifecycle interfaces.OrderLifecycle,
	repo interfaces.StockRepository,
	cache interfaces.AvailabilityCache,
	engineMetrics *metrics.EngineMetrics,
) *EngineHandler {
	return &EngineHandler{
		validator: validator,
		manager:   manager,
		lifecycle: lifecycle,
		repo:      repo,
		cache:     cache,
		metrics:   engineMetrics,
	}
}

// SetupRoutes sets up the HTTP routes for the reservation engine
func (h *EngineHandler) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// Middleware
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ErrorHandlerMiddleware())
	r.Use(h.corsMiddleware())

	// Health check and metrics
	r.GET("/health", h.healthCheck)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := r.Group("/api/v1")
	{
		// Reservation lifecycle
		api.POST("/orders/:orderId/reservations", h.createReservations)
		api.GET("/orders/:orderId/reservations", h.getReservations)
		api.POST("/orders/:orderId/reservations/confirm", h.confirmReservations)
		api.POST("/orders/:orderId/reservations/cancel", h.cancelReservations)

		// Payment gateway webhook
		api.POST("/payments/callback", h.paymentCallback)

		// Availability and ledger administration
		api.GET("/products/:productId/availability", h.getAvailability)
		api.POST("/products", h.createProduct)
		api.POST("/products/:productId/restock", h.restockProduct)
	}

	return r
}

// createReservations places holds for every line of an order, all or nothing
func (h *EngineHandler) createReservations(c *gin.Context) {
	orderID, ok := h.parseUUIDParam(c, "orderId", "order ID")
	if !ok {
		return
	}

	var req models.CreateReservationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	reservations, err := h.manager.CreateBulkReservations(c.Request.Context(), orderID, req.Items)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID.String()).Msg("Failed to create reservations")
		Response.DomainError(c, err)
		return
	}

	Response.Created(c, h.toResponses(reservations))
}

// getReservations returns every reservation row held by an order
func (h *EngineHandler) getReservations(c *gin.Context) {
	orderID, ok := h.parseUUIDParam(c, "orderId", "order ID")
	if !ok {
		return
	}

	reservations, err := h.repo.GetReservationsByOrder(c.Request.Context(), orderID)
	if err != nil {
		Response.InternalError(c, err.Error())
		return
	}
	if len(reservations) == 0 {
		Response.NotFound(c, "Reservations for order "+orderID.String())
		return
	}

	Response.Success(c, h.toResponses(reservations))
}

// confirmReservations finalizes an order's holds after successful payment
func (h *EngineHandler) confirmReservations(c *gin.Context) {
	orderID, ok := h.parseUUIDParam(c, "orderId", "order ID")
	if !ok {
		return
	}

	reservations, err := h.manager.ConfirmReservations(c.Request.Context(), orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID.String()).Msg("Failed to confirm reservations")
		Response.DomainError(c, err)
		return
	}

	Response.Success(c, h.toResponses(reservations))
}

// cancelReservations releases an order's holds after payment failure
func (h *EngineHandler) cancelReservations(c *gin.Context) {
	orderID, ok := h.parseUUIDParam(c, "orderId", "order ID")
	if !ok {
		return
	}

	reservations, err := h.manager.CancelReservations(c.Request.Context(), orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID.String()).Msg("Failed to cancel reservations")
		Response.DomainError(c, err)
		return
	}

	Response.Success(c, h.toResponses(reservations))
}

// paymentCallback handles the payment gateway webhook. Confirmation runs the
// full confirm-then-commit path; failure and timeout release the holds.
func (h *EngineHandler) paymentCallback(c *gin.Context) {
	var req models.PaymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	ctx := c.Request.Context()

	var err error
	switch req.Status {
	case "success":
		err = h.lifecycle.PaymentConfirmed(ctx, req.OrderID)
	case "failure":
		err = h.lifecycle.PaymentFailed(ctx, req.OrderID)
	case "timeout":
		err = h.lifecycle.PaymentTimedOut(ctx, req.OrderID)
	}

	if err != nil {
		log.Warn().Err(err).
			Str("order_id", req.OrderID.String()).
			Str("status", req.Status).
			Msg("Failed to process payment callback")
		Response.DomainError(c, err)
		return
	}

	Response.Success(c, gin.H{
		"order_id": req.OrderID,
		"status":   "processed",
	})
}

// getAvailability returns the availability snapshot for display purposes
func (h *EngineHandler) getAvailability(c *gin.Context) {
	productID, ok := h.parseUUIDParam(c, "productId", "product ID")
	if !ok {
		return
	}

	availability, err := h.validator.GetAvailability(c.Request.Context(), productID)
	if err != nil {
		Response.DomainError(c, err)
		return
	}

	Response.Success(c, availability)
}

// createProduct creates a ledger row for a new product
func (h *EngineHandler) createProduct(c *gin.Context) {
	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	stock, err := h.repo.CreateProductStock(c.Request.Context(), req.ProductID, req.ActualQty)
	if err != nil {
		log.Error().Err(err).Str("product_id", req.ProductID.String()).Msg("Failed to create product stock")
		Response.DomainError(c, err)
		return
	}

	Response.Created(c, stock)
}

// restockProduct increments the ledger for an existing product
func (h *EngineHandler) restockProduct(c *gin.Context) {
	productID, ok := h.parseUUIDParam(c, "productId", "product ID")
	if !ok {
		return
	}

	var req models.RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	stock, err := h.repo.IncrementActualStock(c.Request.Context(), productID, req.Qty)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to restock product")
		Response.DomainError(c, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.DeleteAvailability(c.Request.Context(), productID); err != nil {
			log.Warn().Err(err).Str("product_id", productID.String()).Msg("Failed to invalidate availability cache")
		}
	}

	Response.Success(c, stock)
}

// healthCheck handles health check requests
func (h *EngineHandler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "stock-reservation-service",
	})
}

func (h *EngineHandler) parseUUIDParam(c *gin.Context, param, label string) (uuid.UUID, bool) {
	raw := c.Param(param)
	if raw == "" {
		Response.ValidationError(c, param, label+" is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		Response.ValidationError(c, param, "Invalid "+label+" format")
		return uuid.Nil, false
	}

	return id, true
}

func (h *EngineHandler) toResponses(reservations []models.Reservation) []models.ReservationResponse {
	responses := make([]models.ReservationResponse, 0, len(reservations))
	for i := range reservations {
		responses = append(responses, models.NewReservationResponse(&reservations[i]))
	}
	return responses
}

// corsMiddleware handles CORS headers
func (h *EngineHandler) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
