// Package loopback is an in-process media engine that allocates ids and
// tracks resource lifetimes without moving any media. It backs development
// servers and orchestration tests.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/internal/infrastructure/webrtc"
)

// Operation names accepted by FailNext and SetLatency.
const (
	OpCreateRouter     = "create_router"
	OpCreateTransport  = "create_transport"
	OpConnectTransport = "connect_transport"
	OpProduce          = "produce"
	OpConsume          = "consume"
	OpResumeConsumer   = "resume_consumer"
)

var ErrInjected = errors.New("injected media engine failure")

type transport struct {
	routerID  string
	direction domain.Direction
}

type producer struct {
	transportID domain.TransportID
	kind        domain.MediaKind
}

type consumer struct {
	transportID domain.TransportID
	producerID  domain.ProducerID
	paused      bool
}

// Counts reports live resources.
type Counts struct {
	Routers    int
	Transports int
	Producers  int
	Consumers  int
}

type Engine struct {
	codecs []webrtc.Codec

	mu         sync.Mutex
	routers    map[string]domain.RoomID
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	failures   map[string]error
	latency    map[string]time.Duration
	onFailure  func(domain.RoomID, error)
}

func New() *Engine {
	return &Engine{
		codecs:     webrtc.DefaultCodecs(),
		routers:    make(map[string]domain.RoomID),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
		failures:   make(map[string]error),
		latency:    make(map[string]time.Duration),
	}
}

var _ ports.MediaEngine = (*Engine)(nil)

// FailNext makes the next call of op return err.
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	e.failures[op] = err
}

// SetLatency delays op by d. The delay ignores cancellation, like an engine
// that stopped answering.
func (e *Engine) SetLatency(op string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency[op] = d
}

// FailRouter reports the room's router as unusable.
func (e *Engine) FailRouter(roomID domain.RoomID, err error) {
	e.mu.Lock()
	handler := e.onFailure
	e.mu.Unlock()
	if handler != nil {
		handler(roomID, err)
	}
}

func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counts{
		Routers:    len(e.routers),
		Transports: len(e.transports),
		Producers:  len(e.producers),
		Consumers:  len(e.consumers),
	}
}

// Paused reports whether a live consumer is paused.
func (e *Engine) Paused(id domain.ConsumerID) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.consumers[id]
	if !ok {
		return false, false
	}
	return c.paused, true
}

func (e *Engine) OnRouterFailure(handler func(roomID domain.RoomID, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = handler
}

// enter applies configured latency and failures for op.
func (e *Engine) enter(op string) error {
	e.mu.Lock()
	delay := e.latency[op]
	err := e.failures[op]
	delete(e.failures, op)
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Engine) CreateRouter(ctx context.Context, roomID domain.RoomID) (domain.Router, error) {
	if err := e.enter(OpCreateRouter); err != nil {
		return domain.Router{}, err
	}
	id := uuid.NewString()

	e.mu.Lock()
	e.routers[id] = roomID
	e.mu.Unlock()
	return domain.Router{ID: id, Capabilities: webrtc.MarshalCapabilities(e.codecs)}, nil
}

func (e *Engine) CloseRouter(ctx context.Context, routerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, routerID)
	for id, t := range e.transports {
		if t.routerID == routerID {
			e.closeTransportLocked(id)
		}
	}
	return nil
}

func (e *Engine) CreateTransport(ctx context.Context, routerID string, direction domain.Direction) (*ports.TransportParams, error) {
	if err := e.enter(OpCreateTransport); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.routers[routerID]; !ok {
		return nil, fmt.Errorf("router %s: %w", routerID, domain.ErrRoomNotFound)
	}
	id := domain.TransportID(uuid.NewString())
	e.transports[id] = &transport{routerID: routerID, direction: direction}

	params, _ := json.Marshal(map[string]interface{}{"id": id, "direction": direction})
	return &ports.TransportParams{ID: id, Parameters: params}, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error) {
	if err := e.enter(OpConnectTransport); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.transports[transportID]; !ok {
		return nil, domain.ErrTransportNotFound
	}
	return json.RawMessage(`{"connected":true}`), nil
}

func (e *Engine) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeTransportLocked(transportID)
	return nil
}

func (e *Engine) closeTransportLocked(id domain.TransportID) {
	delete(e.transports, id)
	for pid, p := range e.producers {
		if p.transportID == id {
			e.closeProducerLocked(pid)
		}
	}
	for cid, c := range e.consumers {
		if c.transportID == id {
			delete(e.consumers, cid)
		}
	}
}

func (e *Engine) Produce(ctx context.Context, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	if err := e.enter(OpProduce); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[transportID]
	if !ok {
		return "", domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionSend {
		return "", domain.ErrWrongDirection
	}
	id := domain.ProducerID(uuid.NewString())
	e.producers[id] = &producer{transportID: transportID, kind: params.Kind}
	return id, nil
}

func (e *Engine) CloseProducer(ctx context.Context, producerID domain.ProducerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeProducerLocked(producerID)
	return nil
}

func (e *Engine) closeProducerLocked(id domain.ProducerID) {
	delete(e.producers, id)
	for cid, c := range e.consumers {
		if c.producerID == id {
			delete(e.consumers, cid)
		}
	}
}

func (e *Engine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerParams, error) {
	caps, err := webrtc.ParseCapabilities(rtpCapabilities)
	if err != nil {
		return nil, err
	}
	if err := e.enter(OpConsume); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[transportID]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionReceive {
		return nil, domain.ErrWrongDirection
	}
	p, ok := e.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	if !caps.Supports(p.kind) {
		return nil, fmt.Errorf("%w: client cannot receive %s", domain.ErrMalformed, p.kind)
	}

	id := domain.ConsumerID(uuid.NewString())
	e.consumers[id] = &consumer{transportID: transportID, producerID: producerID, paused: true}
	params, _ := json.Marshal(map[string]interface{}{"id": id, "producer_id": producerID})
	return &ports.ConsumerParams{
		ID:         id,
		ProducerID: producerID,
		Kind:       p.kind,
		Parameters: params,
	}, nil
}

func (e *Engine) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	if err := e.enter(OpResumeConsumer); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.consumers[consumerID]
	if !ok {
		return domain.ErrConsumerNotFound
	}
	c.paused = false
	return nil
}

func (e *Engine) CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.consumers, consumerID)
	return nil
}
