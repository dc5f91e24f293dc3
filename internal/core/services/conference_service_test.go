package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/internal/infrastructure/webrtc/loopback"
)

func TestConference_JoinSendsSnapshotBeforeAnnouncing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")

	f.join(t, "c1", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	f.notifier.reset()

	result, err := f.conference.Join(ctx, "c2", "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), result.RoomID)
	assert.NotEmpty(t, result.RTPCapabilities)

	newcomer := f.notifier.of("c2")
	require.Len(t, newcomer, 1)
	require.Equal(t, domain.EventRoomSnapshot, newcomer[0].Type)
	snap := newcomer[0].Payload.(domain.RoomSnapshot)
	assert.Equal(t, []domain.PeerInfo{{ConnectionID: "c1", UserID: "alice"}}, snap.Peers)
	require.Len(t, snap.Producers, 1)
	assert.Equal(t, producerID, snap.Producers[0].ProducerID)

	existing := f.notifier.ofType("c1", domain.EventNewPeer)
	require.Len(t, existing, 1)
	assert.Equal(t, domain.ConnectionID("c2"), existing[0].Payload.(domain.NewPeerEvent).ConnectionID)
}

func TestConference_JoinTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")

	_, err := f.conference.Join(context.Background(), "c1", "r1", "alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
}

func TestConference_JoinRequiresOpenConnection(t *testing.T) {
	f := newFixture(t)

	_, err := f.conference.Join(context.Background(), "ghost", "r1", "alice")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	assert.False(t, f.registry.Has("r1"))
}

func TestConference_JoinAdoptsUserForAnonymousConnection(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "")

	_, err := f.conference.Join(context.Background(), "c1", "r1", "")
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = f.conference.Join(context.Background(), "c1", "r1", "alice")
	require.NoError(t, err)
	userID, _ := f.conference.sessions.user("c1")
	assert.Equal(t, domain.UserID("alice"), userID)
}

func TestConference_ProduceAnnouncesToOthersOnly(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	f.notifier.reset()

	producerID := f.produce(t, "c1", "r1", domain.KindAudio, "")

	assert.Empty(t, f.notifier.ofType("c1", domain.EventNewProducer))
	events := f.notifier.ofType("c2", domain.EventNewProducer)
	require.Len(t, events, 1)
	info := events[0].Payload.(domain.NewProducerEvent)
	assert.Equal(t, producerID, info.ProducerID)
	assert.Equal(t, domain.TagMicrophone, info.Tag)
	assert.Equal(t, domain.UserID("alice"), info.UserID)
	f.checkRoom(t, "r1")
}

func TestConference_ProduceOnReceiveTransportFails(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")
	recv := f.transport(t, "c1", "r1", domain.DirectionReceive)

	_, err := f.conference.Produce(context.Background(), "c1", "r1", recv, ports.ProduceParams{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrWrongDirection)
}

func TestConference_TransportsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	send := f.transport(t, "c1", "r1", domain.DirectionSend)

	_, err := f.conference.ConnectTransport(ctx, "c2", "r1", send, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = f.conference.Produce(ctx, "c2", "r1", send, ports.ProduceParams{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = f.conference.ConnectTransport(ctx, "c1", "other-room", send, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestConference_ConnectTransportMarksPeerReady(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")
	send := f.transport(t, "c1", "r1", domain.DirectionSend)

	local, err := f.conference.ConnectTransport(context.Background(), "c1", "r1", send, json.RawMessage(`{"type":"offer"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true}`, string(local))

	_ = f.registry.withRoom("r1", func(room *domain.Room) error {
		assert.True(t, room.Transports[send].Connected)
		assert.Equal(t, domain.PeerReady, room.Peers["c1"].State)
		return nil
	})
}

func TestConference_ConsumeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)

	consumer, err := f.conference.Consume(ctx, "c2", "r1", recv, producerID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVideo, consumer.Kind)
	assert.Equal(t, producerID, consumer.ProducerID)

	paused, ok := f.engine.Paused(consumer.ID)
	require.True(t, ok)
	assert.True(t, paused, "consumers start paused")

	require.NoError(t, f.conference.ResumeConsumer(ctx, "c2", "r1", consumer.ID))
	paused, _ = f.engine.Paused(consumer.ID)
	assert.False(t, paused)

	assert.ErrorIs(t, f.conference.ResumeConsumer(ctx, "c1", "r1", consumer.ID), domain.ErrConsumerNotFound)
	f.checkRoom(t, "r1")
}

func TestConference_ConsumeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindAudio, domain.TagMicrophone)
	ownRecv := f.transport(t, "c1", "r1", domain.DirectionReceive)
	send := f.transport(t, "c2", "r1", domain.DirectionSend)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)

	_, err := f.conference.Consume(ctx, "c1", "r1", ownRecv, producerID, nil)
	assert.ErrorIs(t, err, domain.ErrSelfConsumption)

	_, err = f.conference.Consume(ctx, "c2", "r1", send, producerID, nil)
	assert.ErrorIs(t, err, domain.ErrWrongDirection)

	_, err = f.conference.Consume(ctx, "c2", "r1", recv, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	assert.Equal(t, 0, f.engine.Counts().Consumers)
}

func TestConference_ConsumeTimeoutRollsBack(t *testing.T) {
	f := newFixtureWithTimeout(t, 20*time.Millisecond)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)

	f.engine.SetLatency(loopback.OpConsume, 150*time.Millisecond)
	_, err := f.conference.Consume(ctx, "c2", "r1", recv, producerID, nil)
	assert.ErrorIs(t, err, domain.ErrConsumeTimeout)
	assert.Equal(t, 1, f.metrics.Snapshot().ConsumeTimeouts)

	assert.Eventually(t, func() bool {
		return f.engine.Counts().Consumers == 0
	}, time.Second, 10*time.Millisecond, "a late consumer is released")
	assert.Equal(t, 0, f.metrics.Snapshot().Consumers)

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Consumers)
}

func TestConference_EngineFailureLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")

	f.engine.FailNext(loopback.OpCreateTransport, nil)
	_, err := f.conference.CreateTransport(ctx, "c1", "r1", domain.DirectionSend)
	assert.ErrorIs(t, err, domain.ErrMediaEngineFailure)

	send := f.transport(t, "c1", "r1", domain.DirectionSend)
	f.engine.FailNext(loopback.OpProduce, nil)
	_, err = f.conference.Produce(ctx, "c1", "r1", send, ports.ProduceParams{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrMediaEngineFailure)

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transports)
	assert.Equal(t, 0, summary.Producers)
	f.checkRoom(t, "r1")
}

func TestConference_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")

	_, err := f.conference.CreateTransport(ctx, "c1", "r1", "sideways")
	assert.ErrorIs(t, err, domain.ErrMalformed)

	send := f.transport(t, "c1", "r1", domain.DirectionSend)
	_, err = f.conference.Produce(ctx, "c1", "r1", send, ports.ProduceParams{Kind: "smell"})
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = f.conference.Join(ctx, "c1", "", "alice")
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestConference_CloseProducerNotifiesAndCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)
	_, err := f.conference.Consume(ctx, "c2", "r1", recv, producerID, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.conference.CloseProducer(ctx, "c2", "r1", producerID), domain.ErrProducerNotFound)
	require.NoError(t, f.conference.CloseProducer(ctx, "c1", "r1", producerID))

	closed := f.notifier.ofType("c2", domain.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, producerID, closed[0].Payload.(domain.ProducerClosedEvent).ProducerID)
	assert.Equal(t, 0, f.engine.Counts().Producers)
	assert.Equal(t, 0, f.engine.Counts().Consumers)
	f.checkRoom(t, "r1")
}

func TestConference_GetRoomState(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")

	snap, err := f.conference.GetRoomState(context.Background(), "c2", "r1")
	require.NoError(t, err)
	assert.Len(t, snap.Peers, 1)

	_, err = f.conference.GetRoomState(context.Background(), "c3", "r1")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestConference_RouterFailureClosesRoom(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	f.produce(t, "c1", "r1", domain.KindAudio, domain.TagMicrophone)

	f.engine.FailRouter("r1", loopback.ErrInjected)

	assert.False(t, f.registry.Has("r1"))
	for _, conn := range []domain.ConnectionID{"c1", "c2"} {
		closed := f.notifier.ofType(conn, domain.EventRoomClosed)
		require.Len(t, closed, 1, conn)
	}
	assert.Equal(t, loopback.Counts{}, f.engine.Counts())

	f.conference.Disconnect(context.Background(), "c1")
	assert.False(t, f.registry.Has("r1"))
}

func TestConference_ShutdownClearsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.join(t, "c1", "r1")

	require.NoError(t, f.conference.Shutdown(ctx))
	assert.Equal(t, 0, f.registry.Len())
	users, err := f.presence.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestConference_TransportForDepartedPeerIsClosed(t *testing.T) {
	f, stall := newStallingFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")

	stall.arm(loopback.OpCreateTransport)
	errc := make(chan error, 1)
	go func() {
		_, err := f.conference.CreateTransport(ctx, "c1", "r1", domain.DirectionSend)
		errc <- err
	}()
	stall.wait(t)
	require.NoError(t, f.conference.LeaveRoom(ctx, "c1", "r1"))
	stall.resume()

	assert.ErrorIs(t, <-errc, domain.ErrPeerNotFound)
	assert.Equal(t, 0, f.engine.Counts().Transports)
	f.checkRoom(t, "r1")
}

func TestConference_ScreenProducerOfDepartedPeerLeavesNoClaim(t *testing.T) {
	f, stall := newStallingFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	send := f.transport(t, "c1", "r1", domain.DirectionSend)

	stall.arm(loopback.OpProduce)
	errc := make(chan error, 1)
	go func() {
		_, err := f.conference.Produce(ctx, "c1", "r1", send, ports.ProduceParams{Kind: domain.KindVideo, Tag: domain.TagScreenShare})
		errc <- err
	}()
	stall.wait(t)
	require.NoError(t, f.conference.LeaveRoom(ctx, "c1", "r1"))
	stall.resume()

	assert.ErrorIs(t, <-errc, domain.ErrPeerNotFound)
	counts := f.engine.Counts()
	assert.Equal(t, 0, counts.Producers)
	assert.Equal(t, 0, counts.Transports)

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Empty(t, summary.ScreenSharer)
	assert.Equal(t, 0, summary.Producers)
	assert.Empty(t, f.notifier.ofType("c2", domain.EventScreenShareStarted))
	assert.Empty(t, f.notifier.ofType("c2", domain.EventNewProducer))
	f.checkRoom(t, "r1")

	require.NoError(t, f.conference.StartScreenShare(ctx, "c2", "r1"))
}

func TestConference_ScreenProducerLosingClaimIsDropped(t *testing.T) {
	f, stall := newStallingFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	send := f.transport(t, "c2", "r1", domain.DirectionSend)

	stall.arm(loopback.OpProduce)
	errc := make(chan error, 1)
	go func() {
		_, err := f.conference.Produce(ctx, "c2", "r1", send, ports.ProduceParams{Kind: domain.KindVideo, Tag: domain.TagScreenShare})
		errc <- err
	}()
	stall.wait(t)
	require.NoError(t, f.conference.StartScreenShare(ctx, "c1", "r1"))
	stall.resume()

	assert.ErrorIs(t, <-errc, domain.ErrScreenShareBusy)
	assert.Equal(t, 0, f.engine.Counts().Producers)

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), summary.ScreenSharer)
	assert.Equal(t, 0, summary.Producers)
	assert.Empty(t, f.notifier.ofType("c1", domain.EventNewProducer))
	f.checkRoom(t, "r1")
}

func TestConference_ConsumerForDisconnectedPeerIsClosed(t *testing.T) {
	f, stall := newStallingFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")
	f.join(t, "c1", "r1")
	f.join(t, "c2", "r1")
	producerID := f.produce(t, "c1", "r1", domain.KindVideo, domain.TagCamera)
	recv := f.transport(t, "c2", "r1", domain.DirectionReceive)

	stall.arm(loopback.OpConsume)
	errc := make(chan error, 1)
	go func() {
		_, err := f.conference.Consume(ctx, "c2", "r1", recv, producerID, nil)
		errc <- err
	}()
	stall.wait(t)
	f.conference.Disconnect(ctx, "c2")
	stall.resume()

	assert.ErrorIs(t, <-errc, domain.ErrPeerNotFound)
	assert.Equal(t, 0, f.engine.Counts().Consumers)
	assert.Equal(t, 0, f.metrics.Snapshot().Consumers)

	summary, err := f.registry.Summary("r1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Consumers)
	assert.Equal(t, 1, summary.Producers)
	f.checkRoom(t, "r1")
}
