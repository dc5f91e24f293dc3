package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meetwire/internal/core/ports"
	"meetwire/internal/core/services"
	httphandlers "meetwire/internal/handlers/http"
	"meetwire/internal/infrastructure/middleware"
	"meetwire/internal/infrastructure/monitoring"
	"meetwire/internal/infrastructure/reliability"
	"meetwire/internal/infrastructure/repositories"
	"meetwire/internal/infrastructure/signal"
	webrtcinfra "meetwire/internal/infrastructure/webrtc"
	"meetwire/internal/infrastructure/webrtc/loopback"
	"meetwire/pkg/circuitbreaker"
	"meetwire/pkg/config"
	"meetwire/pkg/logger"
	"meetwire/pkg/tracing"
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/meetwire/config.yaml",
	"config.yaml",
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	// No file: defaults plus environment overrides.
	cfg, err := config.Load("")
	return cfg, "", err
}

func newEngine(cfg *config.Config, log *zap.SugaredLogger) ports.MediaEngine {
	if cfg.Media.Engine == config.EngineLoopback {
		log.Warn("using loopback media engine, no media will flow")
		return loopback.New()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Media.ICEServers))
	for _, s := range cfg.Media.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	sfuConfig := webrtcinfra.WebRTCConfig{
		ICEServers:   iceServers,
		AnnouncedIPs: cfg.Media.AnnouncedIPs,
	}
	sfuConfig.PortRange.Min = cfg.Media.PortRange.Min
	sfuConfig.PortRange.Max = cfg.Media.PortRange.Max
	return webrtcinfra.NewSFU(sfuConfig, log.Named("sfu"))
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		// The logger is configured from the file, so this one goes to stderr raw.
		logger.New("info").Sugar().Fatalw("invalid configuration", "path", loadedFrom, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("loaded configuration", "path", loadedFrom)
	}

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	repoFactory := repositories.NewRepositoryFactory(startCtx, cfg, log)
	startCancel()

	// Metrics
	var (
		metrics        ports.MetricsCollector
		metricsHandler http.Handler
	)
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
		log.Info("Prometheus metrics enabled")
	} else {
		metrics = services.NewMetricsService()
	}

	// Media engine
	rawEngine := newEngine(cfg, log)
	breakerConfig := circuitbreaker.DefaultConfig()
	if cfg.Media.Breaker.MaxFailures > 0 {
		breakerConfig.FailureThreshold = cfg.Media.Breaker.MaxFailures
		breakerConfig.Timeout = cfg.Media.Breaker.ResetTimeout
	}
	engine := reliability.NewGuardedEngine(rawEngine, breakerConfig, log.Named("engine"))

	// Services
	hub := signal.NewHub(log.Named("hub"))
	registry := services.NewRoomRegistry(engine, metrics, log.Named("rooms"))
	presence := services.NewPresenceService(repoFactory.CreatePresenceRepository(), hub, metrics, log.Named("presence"))
	conference := services.NewConferenceService(registry, engine, hub, presence, metrics, cfg.Rooms.ConsumeTimeout, log.Named("conference"))
	calls := services.NewCallService(presence, registry, hub, log.Named("calls"))
	engine.OnRouterFailure(conference.HandleRouterFailure)

	// Presence entries from a previous run point at dead connections.
	if err := presence.Clear(context.Background()); err != nil {
		log.Warnw("failed to clear stale presence", "error", err)
	}

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		log.Info("JWT authentication enabled")
	}

	// Signaling gateway
	wsServer := signal.NewServer(
		conference,
		calls,
		hub,
		authService,
		middleware.NewConnectionGate(cfg),
		metrics,
		signal.OptionsFromConfig(cfg),
		log.Named("signal"),
	)
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Signal.Path, wsServer.HandleWebSocket)
	signalSrv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	// Admin API
	health := monitoring.NewHealthChecker()
	health.AddEngineCheck(engine.Healthy)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, time.Second)
	}
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(cfg, httphandlers.RouterDeps{
		Rooms:    registry,
		Presence: presence,
		Health:   health,
		Engine:   engine,
		Auth:     authService,
		Metrics:  metricsHandler,
		Logger:   log.Named("http"),
	})
	adminSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{signalSrv, adminSrv} {
		go func() {
			log.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// Idle-room sweeper
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	if cfg.Rooms.IdleRoomTTL > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Rooms.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n := conference.SweepIdleRooms(sweepCtx, cfg.Rooms.IdleRoomTTL); n > 0 {
						log.Infow("swept idle rooms", "count", n)
					}
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")
	stopSweep()

	// Websocket connections are hijacked, so the gateway drains them itself.
	signalCtx, signalCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	if err := wsServer.Shutdown(signalCtx); err != nil {
		log.Warnw("signaling connections did not drain", "error", err)
	}
	if err := signalSrv.Shutdown(signalCtx); err != nil {
		log.Errorw("error during signaling server shutdown", "error", err)
	}
	signalCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := conference.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error clearing conference state", "error", err)
	}
	if closer, ok := rawEngine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Errorw("error closing media engine", "error", err)
		}
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during admin server shutdown", "error", err)
		_ = adminSrv.Close()
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("meetwire signaling server stopped")
}
