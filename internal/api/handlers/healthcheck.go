package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/service"
)

// HealthHandler handles liveness and aggregate product health
type HealthHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(health *service.HealthService, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{health: health, logger: logger}
}

// Healthcheck reports service liveness
func (h *HealthHandler) Healthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthcheck": "success"})
}

// Services reports per-product reachability
func (h *HealthHandler) Services(c *gin.Context) {
	allHealthy, products := h.health.Services(c.Request.Context())

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"all_ok":   allHealthy,
		"products": products,
	})
}
