package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
)

func TestPresence_RegisterBroadcastsOnlineUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.presence.Register(ctx, "bob", "c2"))
	require.NoError(t, f.presence.Register(ctx, "alice", "c1"))

	last := f.notifier.lastBroadcast()
	require.Equal(t, domain.EventOnlineUsers, last.Type)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, last.Payload.(domain.OnlineUsersEvent).Users)
	assert.Equal(t, 2, f.metrics.Snapshot().OnlineUsers)
}

func TestPresence_LatestConnectionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "alice")

	connID, err := f.presence.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c2"), connID)

	f.conference.Disconnect(ctx, "c1")
	connID, err = f.presence.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("c2"), connID, "an old connection closing keeps the new one online")

	f.conference.Disconnect(ctx, "c2")
	_, err = f.presence.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrUserOffline)
}

func TestPresence_AnonymousConnectPublishes(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.notifier.reset()

	f.connect(t, "c2", "")

	last := f.notifier.lastBroadcast()
	require.Equal(t, domain.EventOnlineUsers, last.Type)
	assert.Equal(t, []domain.UserID{"alice"}, last.Payload.(domain.OnlineUsersEvent).Users)
}

func TestPresence_RejectsEmptyUser(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.presence.Register(context.Background(), "", "c1"), domain.ErrMalformed)
}
