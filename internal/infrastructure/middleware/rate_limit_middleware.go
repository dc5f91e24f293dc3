package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"meetwire/pkg/config"
	apperrors "meetwire/pkg/errors"
)

// rateLimiterStore keeps one limiter per key, usually a client IP.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// ClientIP returns the first X-Forwarded-For hop when present, else the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting and an optional cap
// on concurrent requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWith(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(ClientIP(c.Request)).Allow() {
			abortWith(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": NewErrorBody(appErr)})
}

// ConnectionGate admits websocket handshakes: a per-IP rate of new
// connections and a global cap on open ones.
type ConnectionGate struct {
	store *rateLimiterStore
	sem   chan struct{}
}

// NewConnectionGate returns nil when rate limiting is disabled; a nil gate
// admits everything.
func NewConnectionGate(cfg *config.Config) *ConnectionGate {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	g := &ConnectionGate{
		store: newRateLimiterStore(rate.Limit(float64(ws.ConnectionsPerMinute)/60), max(ws.ConnectionsPerMinute, 1)),
	}
	if ws.MaxConcurrent > 0 {
		g.sem = make(chan struct{}, ws.MaxConcurrent)
	}
	return g
}

// Admit reserves a connection slot. The returned release must be called when
// the connection ends.
func (g *ConnectionGate) Admit(r *http.Request) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if !g.store.getLimiter(ClientIP(r)).Allow() {
		return nil, apperrors.NewRateLimitError()
	}
	if g.sem == nil {
		return func() {}, nil
	}
	select {
	case g.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.sem }) }, nil
	default:
		return nil, apperrors.NewServiceUnavailableError("too many open connections")
	}
}
