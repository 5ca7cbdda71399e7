package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stock-reservation-service/internal/metrics"
)

// WorkerHandler exposes health and monitoring endpoints for the background
// worker (order event consumer and expiry reaper)
type WorkerHandler struct {
	metrics *metrics.EngineMetrics
}

// NewWorkerHandler creates a new worker API handler
func NewWorkerHandler(engineMetrics *metrics.EngineMetrics) *WorkerHandler {
	return &WorkerHandler{metrics: engineMetrics}
}

// SetupWorkerRoutes sets up the HTTP routes for the worker service
func (h *WorkerHandler) SetupWorkerRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// Middleware
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// Health check and monitoring endpoints only
	r.GET("/health", h.healthCheck)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	return r
}

// healthCheck handles health check requests
func (h *WorkerHandler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "stock-reservation-worker",
	})
}
