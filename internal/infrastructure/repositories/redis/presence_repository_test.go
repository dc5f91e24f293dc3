package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetwire/internal/core/domain"
)

type fakeRedisError string

func (e fakeRedisError) Error() string { return string(e) }
func (fakeRedisError) RedisError()     {}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"missing key", redis.Nil, false},
		{"closed client", redis.ErrClosed, false},
		{"cancelled", context.Canceled, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"loading", fakeRedisError("LOADING Redis is loading the dataset in memory"), true},
		{"wrong type", fakeRedisError("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestPresenceKey(t *testing.T) {
	assert.Equal(t, "meetwire:presence:users", presenceKey(""))
	assert.Equal(t, "edge-1:users", presenceKey("edge-1"))
}

// newTestRepository connects to MEETWIRE_TEST_REDIS_ADDRESS under a unique
// key prefix.
func newTestRepository(t *testing.T) *RedisPresenceRepository {
	t.Helper()
	addr := os.Getenv("MEETWIRE_TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("MEETWIRE_TEST_REDIS_ADDRESS not set")
	}
	client, err := NewRedisClient(context.Background(), addr, "", 0, 4, zap.NewNop().Sugar())
	require.NoError(t, err)

	repo := NewRedisPresenceRepository(client, fmt.Sprintf("meetwire-test:%s", uuid.NewString())).(*RedisPresenceRepository)
	t.Cleanup(func() {
		_ = repo.Clear(context.Background())
		_ = client.Close()
	})
	return repo
}

func TestRedisPresenceRepository_SetGetList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "bob", "c2"))
	require.NoError(t, repo.Set(ctx, "alice", "c1"))

	connID, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c1"), connID)

	_, err = repo.Get(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrUserOffline)

	entries, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PresenceEntry{
		{UserID: "alice", ConnectionID: "c1"},
		{UserID: "bob", ConnectionID: "c2"},
	}, entries)
}

func TestRedisPresenceRepository_DeleteIfMatchesConnection(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "alice", "c1"))
	require.NoError(t, repo.Set(ctx, "alice", "c2"))

	removed, err := repo.DeleteIf(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = repo.DeleteIf(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = repo.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrUserOffline)
}

func TestRedisPresenceRepository_Clear(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, "alice", "c1"))

	require.NoError(t, repo.Clear(ctx))

	entries, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
