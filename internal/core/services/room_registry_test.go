package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
	"meetwire/internal/infrastructure/webrtc/loopback"
)

func TestRoomRegistry_ConcurrentGetOrCreateSharesOneRouter(t *testing.T) {
	f := newFixture(t)
	f.engine.SetLatency(loopback.OpCreateRouter, 20*time.Millisecond)

	const callers = 16
	entries := make([]*roomEntry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := f.registry.GetOrCreate(context.Background(), "r1")
			assert.NoError(t, err)
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	for _, entry := range entries {
		assert.Same(t, entries[0], entry)
	}
	assert.Equal(t, 1, f.engine.Counts().Routers)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRoomRegistry_RouterFailureInsertsNothing(t *testing.T) {
	f := newFixture(t)
	f.engine.FailNext(loopback.OpCreateRouter, nil)

	_, err := f.registry.GetOrCreate(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrMediaEngineFailure)
	assert.False(t, f.registry.Has("r1"))

	_, err = f.registry.GetOrCreate(context.Background(), "r1")
	assert.NoError(t, err, "a later attempt starts afresh")
}

func TestRoomRegistry_EmptyRoomIDRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.GetOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestRoomRegistry_RemoveIfEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "u1")
	f.join(t, "c1", "r1")

	assert.False(t, f.registry.RemoveIfEmpty(ctx, "r1"))
	assert.True(t, f.registry.Has("r1"))

	_, err := f.registry.GetOrCreate(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, f.registry.RemoveIfEmpty(ctx, "r2"))
	assert.False(t, f.registry.RemoveIfEmpty(ctx, "r2"))
	assert.Equal(t, 1, f.engine.Counts().Routers)
}

func TestRoomRegistry_SweepIdleSkipsJoinedAndFreshRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.registry.now = func() time.Time { return now }

	_, err := f.registry.GetOrCreate(ctx, "stale")
	require.NoError(t, err)
	f.connect(t, "c1", "u1")
	f.join(t, "c1", "busy")

	f.registry.now = func() time.Time { return now.Add(10 * time.Minute) }
	_, err = f.registry.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	assert.Equal(t, 1, f.registry.SweepIdle(ctx, 5*time.Minute))
	assert.False(t, f.registry.Has("stale"))
	assert.True(t, f.registry.Has("busy"))
	assert.True(t, f.registry.Has("fresh"))
}

func TestRoomRegistry_ListAndSummary(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "u1")
	f.connect(t, "c2", "u2")
	f.join(t, "c1", "b")
	f.join(t, "c2", "a")
	f.produce(t, "c1", "b", domain.KindAudio, domain.TagMicrophone)

	list := f.registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("a"), list[0].RoomID)

	summary, err := f.registry.Summary("b")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Peers)
	assert.Equal(t, 1, summary.Transports)
	assert.Equal(t, 1, summary.Producers)

	_, err = f.registry.Summary("missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRegistry_CloseReleasesRouters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []domain.RoomID{"r1", "r2", "r3"} {
		_, err := f.registry.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}

	f.registry.Close(ctx)
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.engine.Counts().Routers)
	assert.Equal(t, 0, f.metrics.Snapshot().Rooms)
}
