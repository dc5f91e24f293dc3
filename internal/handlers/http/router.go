package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meetwire/internal/core/ports"
	"meetwire/internal/core/services"
	"meetwire/internal/infrastructure/middleware"
	"meetwire/internal/infrastructure/monitoring"
	"meetwire/pkg/config"
)

// RouterDeps are the collaborators of the admin API.
type RouterDeps struct {
	Rooms    ports.RoomDirectory
	Presence ports.PresenceService
	Health   *monitoring.HealthChecker
	// Engine, when set, is reported on /api/v1/engine.
	Engine EngineStatus
	// Auth, when set, protects /api/v1.
	Auth services.AuthService
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	Logger  *zap.SugaredLogger
}

// NewRouter builds the admin and health API.
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(deps.Logger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(deps.Logger))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	health := NewHealthHandler(deps.Health)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api/v1")
	if deps.Auth != nil {
		api.Use(middleware.AuthMiddleware(deps.Auth))
	}
	NewRoomHandler(deps.Rooms, deps.Presence).SetupRoutes(api)
	if deps.Engine != nil {
		NewEngineHandler(deps.Engine).SetupRoutes(api)
	}

	return router
}
