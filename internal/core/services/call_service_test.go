package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetwire/internal/core/domain"
	"meetwire/internal/infrastructure/webrtc/loopback"
)

func TestCall_RequestSkipsInitiatorAndOfflineUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")

	participants := []domain.UserID{"alice", "bob", "carol"}
	require.NoError(t, f.calls.Request(ctx, "m1", "alice", participants))

	incoming := f.notifier.ofType("c2", domain.EventIncomingCall)
	require.Len(t, incoming, 1)
	payload := incoming[0].Payload.(domain.IncomingCallEvent)
	assert.Equal(t, domain.RoomID("m1"), payload.MeetingID)
	assert.Equal(t, participants, payload.Participants)
	assert.Equal(t, domain.UserID("alice"), payload.Initiator)

	assert.Empty(t, f.notifier.ofType("c1", domain.EventIncomingCall))
	assert.False(t, f.registry.Has("m1"), "requests do not create rooms")
}

func TestCall_SelfCallRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")

	err := f.calls.Request(context.Background(), "m1", "alice", []domain.UserID{"alice"})
	assert.ErrorIs(t, err, domain.ErrSelfCall)

	err = f.calls.Request(context.Background(), "m1", "alice", nil)
	assert.ErrorIs(t, err, domain.ErrSelfCall)
}

func TestCall_AcceptCreatesRoomAndNotifiesEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")

	require.NoError(t, f.calls.Accept(ctx, "m1", []domain.UserID{"alice"}, "bob"))

	assert.True(t, f.registry.Has("m1"))
	for _, conn := range []domain.ConnectionID{"c1", "c2"} {
		accepted := f.notifier.ofType(conn, domain.EventMeetingAccepted)
		require.Len(t, accepted, 1, conn)
		assert.Equal(t, domain.UserID("bob"), accepted[0].Payload.(domain.MeetingAcceptedEvent).AcceptedBy)
	}

	// The accepted room waits for its first join instead of being reaped.
	f.connect(t, "c3", "carol")
	f.join(t, "c3", "other")
	f.conference.Disconnect(ctx, "c3")
	assert.True(t, f.registry.Has("m1"))

	f.join(t, "c1", "m1")
	summary, err := f.registry.Summary("m1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Peers)
}

func TestCall_AcceptSurfacesEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.engine.FailNext(loopback.OpCreateRouter, nil)

	err := f.calls.Accept(context.Background(), "m1", []domain.UserID{"alice"}, "alice")
	assert.ErrorIs(t, err, domain.ErrMediaEngineFailure)
	assert.Empty(t, f.notifier.ofType("c1", domain.EventMeetingAccepted))
}

func TestCall_RejectSkipsRejecter(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "alice")
	f.connect(t, "c2", "bob")

	require.NoError(t, f.calls.Reject(context.Background(), "m1", []domain.UserID{"alice", "bob"}, "bob"))

	rejected := f.notifier.ofType("c1", domain.EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.UserID("bob"), rejected[0].Payload.(domain.CallRejectedEvent).RejectedBy)
	assert.Empty(t, f.notifier.ofType("c2", domain.EventCallRejected))
}
