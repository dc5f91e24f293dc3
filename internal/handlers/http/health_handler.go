package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meetwire/internal/infrastructure/monitoring"
)

const readinessTimeout = 2 * time.Second

type HealthHandler struct {
	checker *monitoring.HealthChecker
	started time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		started: time.Now(),
	}
}

// Health reports liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.started).String(),
	})
}

// Ready runs the dependency probes and answers 503 if any fails.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
