package services

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
	"meetwire/internal/infrastructure/webrtc/loopback"
)

func TestCleanup_DisconnectNotifiesRemainingPeers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	audio := f.produce(t, "c1", "r1", domain.KindAudio, domain.TagMicrophone)
	video := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)
	_, err := f.conference.Consume(ctx, "c2", "r1", recv, video, nil)
	require.NoError(t, err)
	f.notifier.reset()

	f.conference.Disconnect(ctx, "c1")

	var closed []domain.ProducerID
	for _, e := range f.notifier.ofType("c2", domain.EventProducerClosed) {
		closed = append(closed, e.Payload.(domain.ProducerClosedEvent).ProducerID)
	}
	assert.ElementsMatch(t, []domain.ProducerID{audio, video}, closed)

	types := f.notifier.types("c2")
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventPeerDisconnected, types[len(types)-1], "peer_disconnected comes after producer_closed")

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Peers)
	assert.Equal(t, 1, summary.Transports)
	assert.Equal(t, 0, summary.Producers)
	assert.Equal(t, 0, summary.Consumers)
	f.checkRoom(t, "r1")

	f.conference.Disconnect(ctx, "c2")
	assert.False(t, f.registry.Has("r1"), "last peer out destroys the room")
	assert.Equal(t, loopback.Counts{}, f.engine.Counts())
}

func TestCleanup_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	f.produce(t, "c1", "r1", domain.KindAudio, domain.TagMicrophone)

	require.NoError(t, f.conference.LeaveRoom(ctx, "c1", "r1"))
	after := len(f.notifier.of("c2"))

	require.NoError(t, f.conference.LeaveRoom(ctx, "c1", "r1"))
	f.conference.Disconnect(ctx, "c1")
	f.conference.Disconnect(ctx, "c1")

	assert.Len(t, f.notifier.of("c2"), after, "repeated cleanup emits nothing")
	f.checkRoom(t, "r1")
}

func TestCleanup_DisconnectCoversEveryRoom(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")
	f.join(t, "c1", "r2")

	f.conference.Disconnect(context.Background(), "c1")
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.metrics.Snapshot().Peers)
}

func TestCleanup_DisconnectUpdatesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")

	f.conference.Disconnect(ctx, "c1")

	last := f.notifier.lastBroadcast()
	require.Equal(t, domain.EventOnlineUsers, last.Type)
	assert.Equal(t, []domain.UserID{"bob"}, last.Payload.(domain.OnlineUsersEvent).Users)
}

func TestCleanup_ReleasesScreenShareOfLeavingPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	require.NoError(t, f.conference.StartScreenShare(ctx, "c1", "r1"))

	f.conference.Disconnect(ctx, "c1")

	stopped := f.notifier.ofType("c2", domain.EventScreenShareStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, domain.UserID("alice"), stopped[0].Payload.(domain.ScreenShareEvent).UserID)
	assert.NoError(t, f.conference.StartScreenShare(ctx, "c2", "r1"))
}

// Rooms exist in the registry exactly while they have peers, whatever the
// interleaving of joins and leaves.
func TestCleanup_RoomPresenceTracksMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rooms := []domain.RoomID{"r1", "r2", "r3"}

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		connID := domain.ConnectionID(fmt.Sprintf("c%d", w))
		f.connect(t, connID, domain.UserID(fmt.Sprintf("u%d", w)))

		wg.Add(1)
		go func(seed int64, connID domain.ConnectionID) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				room := rooms[rng.Intn(len(rooms))]
				if rng.Intn(2) == 0 {
					userID, _ := f.conference.sessions.user(connID)
					_, _ = f.conference.Join(ctx, connID, room, userID)
				} else {
					_ = f.conference.LeaveRoom(ctx, connID, room)
				}
			}
		}(int64(w), connID)
	}
	wg.Wait()

	for _, roomID := range rooms {
		summary, err := f.registry.Summary(roomID)
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrRoomNotFound)
			continue
		}
		assert.Greater(t, summary.Peers, 0, "room %s is registered without peers", roomID)
		f.checkRoom(t, roomID)
	}

	for w := 0; w < workers; w++ {
		f.conference.Disconnect(ctx, domain.ConnectionID(fmt.Sprintf("c%d", w)))
	}
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.engine.Counts().Routers)
}
