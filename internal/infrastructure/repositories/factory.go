package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meetwire/internal/core/ports"
	"meetwire/internal/infrastructure/repositories/memory"
	redisrepo "meetwire/internal/infrastructure/repositories/redis"
	"meetwire/pkg/config"
)

// RepositoryFactory picks the presence backend, falling back to memory when
// Redis cannot be reached.
type RepositoryFactory struct {
	useRedis    bool
	keyPrefix   string
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:  cfg.Presence.Backend == config.PresenceRedis && cfg.Redis.Enabled,
		keyPrefix: cfg.Presence.KeyPrefix,
		logger:    logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory presence",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis presence directory")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory presence directory")
	}
	return factory
}

func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisPresenceRepository(f.redisClient, f.keyPrefix)
	}
	return memory.NewMemoryPresenceRepository()
}

// RedisClient returns the live client, or nil when presence is in memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
