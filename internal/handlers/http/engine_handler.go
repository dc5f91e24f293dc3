package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meetwire/pkg/circuitbreaker"
)

// EngineStatus is the view of the guarded media engine the admin API needs.
type EngineStatus interface {
	Healthy() bool
	Stats() circuitbreaker.Stats
}

type EngineHandler struct {
	engine EngineStatus
}

func NewEngineHandler(engine EngineStatus) *EngineHandler {
	return &EngineHandler{engine: engine}
}

func (h *EngineHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/engine", h.GetEngine)
}

// GetEngine reports the circuit breaker guarding media engine calls.
func (h *EngineHandler) GetEngine(c *gin.Context) {
	stats := h.engine.Stats()
	breaker := gin.H{
		"state":              stats.State.String(),
		"failures":           stats.FailureCount,
		"successes":          stats.SuccessCount,
		"half_open_requests": stats.HalfOpenRequests,
		"state_changed_at":   stats.StateChangeTime,
	}
	if !stats.LastFailureTime.IsZero() {
		breaker["last_failure_at"] = stats.LastFailureTime
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy": h.engine.Healthy(),
		"breaker": breaker,
	})
}
