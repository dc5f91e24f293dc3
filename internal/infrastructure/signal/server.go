package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/internal/core/services"
	"meetwire/internal/infrastructure/middleware"
	"meetwire/pkg/config"
	apperrors "meetwire/pkg/errors"
	"meetwire/pkg/logger"
	"meetwire/pkg/tracing"
	"meetwire/pkg/validation"
)

// Options tune the per-connection behaviour of the gateway.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	MaxInflight    int
	MaxMessageSize int64

	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	MessageBurst      int

	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueue:      256,
		MaxInflight:    8,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueue:      cfg.Signal.SendQueue,
		MaxInflight:    cfg.Signal.MaxInflight,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		if size := cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; size > 0 {
			opts.MaxMessageSize = size
		}
	}
	return opts
}

// Server is the signaling gateway: it upgrades HTTP requests to websockets,
// decodes requests, dispatches them to the conference services and writes
// correlated replies.
type Server struct {
	conference ports.ConferenceService
	calls      ports.CallService
	hub        *Hub
	auth       services.AuthService
	gate       *middleware.ConnectionGate
	metrics    ports.MetricsCollector
	validate   *validation.Validator

	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	base   context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger
}

// NewServer builds the gateway. auth may be nil, in which case connections
// identify themselves with the user_id query parameter. gate may be nil.
func NewServer(
	conference ports.ConferenceService,
	calls ports.CallService,
	hub *Hub,
	auth services.AuthService,
	gate *middleware.ConnectionGate,
	metrics ports.MetricsCollector,
	opts Options,
	log *zap.SugaredLogger,
) *Server {
	if metrics == nil {
		metrics = services.NewMetricsService()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		conference: conference,
		calls:      calls,
		hub:        hub,
		auth:       auth,
		gate:       gate,
		metrics:    metrics,
		validate:   validation.New(),
		opts:       opts,
		base:       base,
		cancel:     cancel,
		logger:     log,
		ctxLogger:  logger.NewContextLogger(log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.routes()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": middleware.NewErrorBody(appErr)})
}

// authenticate resolves the connecting identity before the upgrade.
func (s *Server) authenticate(r *http.Request) (domain.UserID, *services.Claims, *apperrors.AppError) {
	if s.auth == nil {
		userID := r.URL.Query().Get("user_id")
		if userID != "" && !validation.IsIdentifier(userID) {
			return "", nil, apperrors.NewInvalidInputError("invalid user_id")
		}
		return domain.UserID(userID), nil, nil
	}

	token := middleware.BearerToken(r)
	if token == "" {
		return "", nil, apperrors.NewUnauthorizedError("bearer token required")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return "", nil, apperrors.NewUnauthorizedError(err.Error()).WithCause(err)
	}
	return claims.UserID, claims, nil
}

// HandleWebSocket serves one signaling connection until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.base.Err() != nil {
		writeHTTPError(w, apperrors.NewServiceUnavailableError("server shutting down"))
		return
	}

	userID, claims, appErr := s.authenticate(r)
	if appErr != nil {
		writeHTTPError(w, appErr)
		return
	}

	release, err := s.gate.Admit(r)
	if err != nil {
		writeHTTPError(w, apperrors.GetAppError(err))
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serve(conn, userID, claims)
}

func (s *Server) serve(conn *websocket.Conn, userID domain.UserID, claims *services.Claims) {
	connID := domain.ConnectionID(uuid.NewString())
	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), max(s.opts.MessageBurst, 1))
	}
	c := newClient(connID, conn, userID, claims, s.opts.SendQueue, limiter, s.logger)

	ctx, cancel := context.WithCancel(s.base)
	ctx = logger.WithConnectionID(ctx, string(connID))
	if userID != "" {
		ctx = logger.WithUserID(ctx, string(userID))
	}

	s.hub.add(c)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(s.opts.PingInterval, s.opts.WriteTimeout)
	}()
	// Unblock the reader when the connection or the server is stopped.
	go func() {
		select {
		case <-c.done:
		case <-ctx.Done():
			c.kill("server shutting down")
		}
		_ = conn.Close()
	}()

	s.logger.Infow("connection opened", "connection_id", connID, "user_id", userID)

	var inflight sync.WaitGroup
	if err := s.conference.Connect(ctx, connID, userID); err != nil {
		s.logger.Warnw("failed to register connection", "connection_id", connID, "error", err)
	} else {
		s.readLoop(ctx, c, &inflight)
	}

	// Handlers are cancelled and awaited before cleanup runs.
	cancel()
	inflight.Wait()
	s.hub.remove(c)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	s.conference.Disconnect(cleanupCtx, connID)
	cleanupCancel()

	c.kill("connection closed")
	<-writerDone
	s.logger.Infow("connection closed", "connection_id", connID, "user_id", c.user())
}

func (s *Server) readLoop(ctx context.Context, c *client, inflight *sync.WaitGroup) {
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	sem := make(chan struct{}, max(s.opts.MaxInflight, 1))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debugw("read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.replyError(req, apperrors.NewInvalidInputError("malformed envelope").WithContext("reason", reasonMalformed))
			s.metrics.ObserveRequest("invalid", string(apperrors.ErrCodeInvalidInput), 0)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.replyError(req, apperrors.NewRateLimitError())
			s.metrics.ObserveRequest(metricType(req.Type, s.handlers), string(apperrors.ErrCodeRateLimit), 0)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		inflight.Add(1)
		go func() {
			defer func() {
				<-sem
				inflight.Done()
			}()
			s.handle(ctx, c, req)
		}()
	}
}

// handle runs one request and sends exactly one reply for it.
func (s *Server) handle(ctx context.Context, c *client, req Request) {
	start := time.Now()
	ctx = logger.WithRequestID(ctx, req.RequestID)
	ctx, span := tracing.TraceSignal(ctx, req.Type, string(c.id), req.RequestID)
	defer span.End()

	var (
		payload interface{}
		err     error
	)
	h, ok := s.handlers[req.Type]
	if !ok {
		err = apperrors.NewInvalidInputError("unknown message type " + req.Type).
			WithContext("reason", reasonUnknownType)
	} else {
		payload, err = s.invoke(ctx, h, c, req.Payload)
	}

	code := "ok"
	if err != nil {
		appErr := toAppError(err)
		code = string(appErr.Code)
		tracing.RecordError(ctx, err)
		tracing.AddSpanAttributes(ctx, tracing.ErrorCodeKey.String(code))

		log := s.ctxLogger.WithContext(ctx)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Warnw("request failed", "type", req.Type, "code", code, "error", err)
		} else {
			log.Debugw("request rejected", "type", req.Type, "code", code, "error", err)
		}
		c.replyError(req, appErr)
	} else {
		c.reply(req, payload)
	}
	s.metrics.ObserveRequest(metricType(req.Type, s.handlers), code, time.Since(start))
}

// invoke turns a handler panic into an internal error reply.
func (s *Server) invoke(ctx context.Context, h handlerFunc, c *client, raw json.RawMessage) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("handler panic", "connection_id", c.id, "panic", r)
			err = apperrors.NewInternalError("internal error")
		}
	}()
	return h(ctx, c, raw)
}

func metricType(t string, handlers map[string]handlerFunc) string {
	if _, ok := handlers[t]; ok {
		return t
	}
	return "unknown"
}

// Shutdown closes every connection and waits for their cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
