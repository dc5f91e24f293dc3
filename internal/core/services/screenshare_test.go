package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

func TestScreenShare_ConflictAndHandover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")

	require.NoError(t, f.conference.StartScreenShare(ctx, "c1", "r1"))
	started := f.notifier.ofType("c2", domain.EventScreenShareStarted)
	require.Len(t, started, 1)
	assert.Equal(t, domain.UserID("alice"), started[0].Payload.(domain.ScreenShareEvent).UserID)

	err := f.conference.StartScreenShare(ctx, "c2", "r1")
	var busy *domain.ScreenShareBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, domain.UserID("alice"), busy.Holder)
	assert.Equal(t, 1, f.metrics.Snapshot().ScreenShareDenials)

	require.NoError(t, f.conference.StopScreenShare(ctx, "c1", "r1"))
	assert.Len(t, f.notifier.ofType("c2", domain.EventScreenShareStopped), 1)
	assert.NoError(t, f.conference.StartScreenShare(ctx, "c2", "r1"))
}

func TestScreenShare_StopByNonHolderKeepsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	require.NoError(t, f.conference.StartScreenShare(ctx, "c1", "r1"))

	require.NoError(t, f.conference.StopScreenShare(ctx, "c2", "r1"))
	assert.ErrorIs(t, f.conference.StartScreenShare(ctx, "c2", "r1"), domain.ErrScreenShareBusy)
}

func TestScreenShare_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const peers = 10
	for i := 0; i < peers; i++ {
		connID := domain.ConnectionID(fmt.Sprintf("c%d", i))
		f.connect(t, connID, domain.UserID(fmt.Sprintf("u%d", i)))
		f.join(t, connID, "r1")
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := f.conference.StartScreenShare(ctx, domain.ConnectionID(fmt.Sprintf("c%d", i)), "r1")
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrScreenShareBusy)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestScreenShare_ProducerClaimsAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")

	screen := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagScreenShare)
	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), summary.ScreenSharer)

	send := f.transport(t, "c2", "r1", domain.DirectionSend)
	_, err = f.conference.Produce(ctx, "c2", "r1", send, ports.ProduceParams{Kind: domain.KindVideo, Tag: domain.TagScreenShare})
	assert.ErrorIs(t, err, domain.ErrScreenShareBusy)

	require.NoError(t, f.conference.CloseProducer(ctx, "c1", "r1", screen))
	assert.Len(t, f.notifier.ofType("c2", domain.EventScreenShareStopped), 1)
	summary, _ = f.registry.Summary("r1")
	assert.Empty(t, summary.ScreenSharer)
}

func TestScreenShare_RequiresMembership(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")

	assert.ErrorIs(t, f.conference.StartScreenShare(context.Background(), "c2", "r1"), domain.ErrPeerNotFound)
	assert.ErrorIs(t, f.conference.StartScreenShare(context.Background(), "c1", "nope"), domain.ErrRoomNotFound)
}
