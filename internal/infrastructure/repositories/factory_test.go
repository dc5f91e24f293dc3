package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetwire/internal/infrastructure/repositories/memory"
	"meetwire/pkg/config"
)

func TestRepositoryFactory_MemoryByDefault(t *testing.T) {
	f := NewRepositoryFactory(context.Background(), config.DefaultConfig(), zap.NewNop().Sugar())

	assert.IsType(t, &memory.MemoryPresenceRepository{}, f.CreatePresenceRepository())
	assert.Nil(t, f.RedisClient())
	require.NoError(t, f.Close())
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Presence.Backend = config.PresenceRedis
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())

	assert.IsType(t, &memory.MemoryPresenceRepository{}, f.CreatePresenceRepository())
	assert.Nil(t, f.RedisClient())
}
