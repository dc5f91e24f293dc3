package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrEngineUnavailable = errors.New("media engine circuit open")

// AddRedisCheck probes the presence store.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddEngineCheck fails while the media engine breaker is open.
func (h *HealthChecker) AddEngineCheck(healthy func() bool) {
	h.AddCheck("media_engine", func(ctx context.Context) error {
		if !healthy() {
			return ErrEngineUnavailable
		}
		return nil
	}, time.Second)
}
