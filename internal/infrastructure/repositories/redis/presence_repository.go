package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/pkg/retry"
)

// deleteIfScript removes a user only while it still maps to the given
// connection.
var deleteIfScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisPresenceRepository keeps the user to connection map in one hash.
type RedisPresenceRepository struct {
	client redis.UniversalClient
	key    string
	retry  retry.Config
}

func NewRedisPresenceRepository(client redis.UniversalClient, keyPrefix string) ports.PresenceRepository {
	cfg := retry.DefaultConfig()
	cfg.Retryable = isTransient
	return &RedisPresenceRepository{
		client: client,
		key:    presenceKey(keyPrefix),
		retry:  cfg,
	}
}

func presenceKey(prefix string) string {
	if prefix == "" {
		prefix = "meetwire:presence"
	}
	return prefix + ":users"
}

// isTransient reports errors worth another attempt: network failures and
// server-side loading or failover states.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		for _, prefix := range []string{"LOADING", "READONLY", "TRYAGAIN", "CLUSTERDOWN"} {
			if strings.HasPrefix(redisErr.Error(), prefix) {
				return true
			}
		}
	}
	return false
}

func (r *RedisPresenceRepository) Set(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error {
	err := retry.Retry(ctx, r.retry, func() error {
		return r.client.HSet(ctx, r.key, string(userID), string(connID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, userID domain.UserID) (domain.ConnectionID, error) {
	connID, err := retry.Do(ctx, r.retry, func() (string, error) {
		return r.client.HGet(ctx, r.key, string(userID)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrUserOffline
	}
	if err != nil {
		return "", fmt.Errorf("failed to get presence from Redis: %w", err)
	}
	return domain.ConnectionID(connID), nil
}

func (r *RedisPresenceRepository) DeleteIf(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) (bool, error) {
	removed, err := retry.Do(ctx, r.retry, func() (int64, error) {
		return deleteIfScript.Run(ctx, r.client, []string{r.key}, string(userID), string(connID)).Int64()
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete presence in Redis: %w", err)
	}
	return removed > 0, nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]domain.PresenceEntry, error) {
	all, err := retry.Do(ctx, r.retry, func() (map[string]string, error) {
		return r.client.HGetAll(ctx, r.key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list presence from Redis: %w", err)
	}

	entries := make([]domain.PresenceEntry, 0, len(all))
	for userID, connID := range all {
		entries = append(entries, domain.PresenceEntry{
			UserID:       domain.UserID(userID),
			ConnectionID: domain.ConnectionID(connID),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

func (r *RedisPresenceRepository) Clear(ctx context.Context) error {
	err := retry.Retry(ctx, r.retry, func() error {
		return r.client.Del(ctx, r.key).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to clear presence in Redis: %w", err)
	}
	return nil
}
