package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
)

func TestMemoryPresenceRepository_LastWriterWins(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "alice", "c1"))
	require.NoError(t, repo.Set(ctx, "alice", "c2"))

	connID, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c2"), connID)
}

func TestMemoryPresenceRepository_DeleteIf(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, "alice", "c2"))

	removed, err := repo.DeleteIf(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, removed, "stale connection must not evict the newer one")

	removed, err = repo.DeleteIf(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = repo.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrUserOffline)
}

func TestMemoryPresenceRepository_ListAndClear(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, "bob", "c2"))
	require.NoError(t, repo.Set(ctx, "alice", "c1"))

	entries, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PresenceEntry{
		{UserID: "alice", ConnectionID: "c1"},
		{UserID: "bob", ConnectionID: "c2"},
	}, entries)

	require.NoError(t, repo.Clear(ctx))
	entries, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
