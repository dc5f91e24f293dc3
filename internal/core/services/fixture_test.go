package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/internal/infrastructure/repositories/memory"
	"meetwire/internal/infrastructure/webrtc/loopback"
)

type recordingNotifier struct {
	mu         sync.Mutex
	events     map[domain.ConnectionID][]domain.Event
	broadcasts []domain.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[domain.ConnectionID][]domain.Event)}
}

func (n *recordingNotifier) Notify(connID domain.ConnectionID, event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[connID] = append(n.events[connID], event)
}

func (n *recordingNotifier) Broadcast(event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, event)
}

func (n *recordingNotifier) of(connID domain.ConnectionID) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Event(nil), n.events[connID]...)
}

func (n *recordingNotifier) types(connID domain.ConnectionID) []domain.EventType {
	var types []domain.EventType
	for _, e := range n.of(connID) {
		types = append(types, e.Type)
	}
	return types
}

func (n *recordingNotifier) ofType(connID domain.ConnectionID, t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range n.of(connID) {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) lastBroadcast() domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.broadcasts) == 0 {
		return domain.Event{}
	}
	return n.broadcasts[len(n.broadcasts)-1]
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = make(map[domain.ConnectionID][]domain.Event)
	n.broadcasts = nil
}

type fixture struct {
	engine     *loopback.Engine
	notifier   *recordingNotifier
	metrics    *MetricsService
	registry   *RoomRegistry
	presence   ports.PresenceService
	conference *ConferenceService
	calls      ports.CallService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithTimeout(t, time.Second)
}

func newFixtureWithTimeout(t *testing.T, consumeTimeout time.Duration) *fixture {
	t.Helper()
	return buildFixture(t, consumeTimeout, func(e *loopback.Engine) ports.MediaEngine { return e })
}

// newStallingFixture routes engine calls through a stallingEngine so a test
// can act while one call is in flight.
func newStallingFixture(t *testing.T) (*fixture, *stallingEngine) {
	t.Helper()
	var stall *stallingEngine
	f := buildFixture(t, time.Second, func(e *loopback.Engine) ports.MediaEngine {
		stall = newStallingEngine(e)
		return stall
	})
	return f, stall
}

func buildFixture(t *testing.T, consumeTimeout time.Duration, wrap func(*loopback.Engine) ports.MediaEngine) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		engine:   loopback.New(),
		notifier: newRecordingNotifier(),
		metrics:  NewMetricsService(),
	}
	engine := wrap(f.engine)
	f.registry = NewRoomRegistry(engine, f.metrics, logger)
	f.presence = NewPresenceService(memory.NewMemoryPresenceRepository(), f.notifier, f.metrics, logger)
	f.conference = NewConferenceService(f.registry, engine, f.notifier, f.presence, f.metrics, consumeTimeout, logger)
	f.calls = NewCallService(f.presence, f.registry, f.notifier, logger)
	engine.OnRouterFailure(f.conference.HandleRouterFailure)
	return f
}

// stallingEngine lets the armed operation finish on the inner engine, then
// withholds its result until resume is called.
type stallingEngine struct {
	ports.MediaEngine

	mu      sync.Mutex
	op      string
	reached chan struct{}
	release chan struct{}
}

func newStallingEngine(inner ports.MediaEngine) *stallingEngine {
	return &stallingEngine{
		MediaEngine: inner,
		reached:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

// arm stalls the next call of op.
func (e *stallingEngine) arm(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op = op
}

func (e *stallingEngine) hold(op string) {
	e.mu.Lock()
	armed := e.op == op
	if armed {
		e.op = ""
	}
	e.mu.Unlock()
	if armed {
		close(e.reached)
		<-e.release
	}
}

// wait blocks until the armed call has completed on the inner engine.
func (e *stallingEngine) wait(t *testing.T) {
	t.Helper()
	select {
	case <-e.reached:
	case <-time.After(time.Second):
		t.Fatal("engine call never started")
	}
}

func (e *stallingEngine) resume() {
	close(e.release)
}

func (e *stallingEngine) CreateTransport(ctx context.Context, routerID string, direction domain.Direction) (*ports.TransportParams, error) {
	params, err := e.MediaEngine.CreateTransport(ctx, routerID, direction)
	e.hold(loopback.OpCreateTransport)
	return params, err
}

func (e *stallingEngine) Produce(ctx context.Context, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	id, err := e.MediaEngine.Produce(ctx, transportID, params)
	e.hold(loopback.OpProduce)
	return id, err
}

func (e *stallingEngine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps json.RawMessage) (*ports.ConsumerParams, error) {
	params, err := e.MediaEngine.Consume(ctx, transportID, producerID, caps)
	e.hold(loopback.OpConsume)
	return params, err
}

func (f *fixture) connect(t *testing.T, connID domain.ConnectionID, userID domain.UserID) {
	t.Helper()
	require.NoError(t, f.conference.Connect(context.Background(), connID, userID))
}

func (f *fixture) join(t *testing.T, connID domain.ConnectionID, roomID domain.RoomID) {
	t.Helper()
	userID, _ := f.conference.sessions.user(connID)
	_, err := f.conference.Join(context.Background(), connID, roomID, userID)
	require.NoError(t, err)
}

func (f *fixture) transport(t *testing.T, connID domain.ConnectionID, roomID domain.RoomID, dir domain.Direction) domain.TransportID {
	t.Helper()
	params, err := f.conference.CreateTransport(context.Background(), connID, roomID, dir)
	require.NoError(t, err)
	return params.ID
}

func (f *fixture) produce(t *testing.T, connID domain.ConnectionID, roomID domain.RoomID, kind domain.MediaKind, tag domain.MediaTag) domain.ProducerID {
	t.Helper()
	send := f.transport(t, connID, roomID, domain.DirectionSend)
	id, err := f.conference.Produce(context.Background(), connID, roomID, send, ports.ProduceParams{Kind: kind, Tag: tag})
	require.NoError(t, err)
	return id
}

// checkRoom asserts the room's internal indices agree.
func (f *fixture) checkRoom(t *testing.T, roomID domain.RoomID) {
	t.Helper()
	err := f.registry.withRoom(roomID, func(room *domain.Room) error {
		return room.CheckInvariants()
	})
	require.NoError(t, err)
}
