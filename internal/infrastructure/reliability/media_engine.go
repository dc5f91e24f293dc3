package reliability

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	"meetwire/pkg/circuitbreaker"
	"meetwire/pkg/tracing"
)

// GuardedEngine decorates a media engine with a circuit breaker and a
// tracing span per call. Failed calls are never retried; clients retry
// explicitly. Close calls bypass the breaker so teardown is always attempted.
type GuardedEngine struct {
	engine  ports.MediaEngine
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.MediaEngine = (*GuardedEngine)(nil)

func NewGuardedEngine(
	engine ports.MediaEngine,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *GuardedEngine {
	cbConfig.IsFailure = isEngineFault

	g := &GuardedEngine{
		engine:  engine,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("media engine circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

// isEngineFault separates engine trouble from errors the caller provoked,
// which must not trip the breaker.
func isEngineFault(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrConsumerNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrWrongDirection),
		errors.Is(err, domain.ErrMalformed):
		return false
	}
	return true
}

// Healthy reports whether calls currently reach the engine.
func (g *GuardedEngine) Healthy() bool {
	return g.breaker.GetState() != circuitbreaker.StateOpen
}

func (g *GuardedEngine) Stats() circuitbreaker.Stats {
	return g.breaker.GetStats()
}

func guarded[T any](ctx context.Context, g *GuardedEngine, op string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceMedia(ctx, op, attrs...)
	defer span.End()

	result, err := circuitbreaker.Do(ctx, g.breaker, func() (T, error) {
		return fn(ctx)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return result, err
}

func (g *GuardedEngine) CreateRouter(ctx context.Context, roomID domain.RoomID) (domain.Router, error) {
	return guarded(ctx, g, "create_router",
		[]attribute.KeyValue{tracing.RoomIDKey.String(string(roomID))},
		func(ctx context.Context) (domain.Router, error) {
			return g.engine.CreateRouter(ctx, roomID)
		})
}

func (g *GuardedEngine) CloseRouter(ctx context.Context, routerID string) error {
	return g.engine.CloseRouter(ctx, routerID)
}

func (g *GuardedEngine) CreateTransport(ctx context.Context, routerID string, direction domain.Direction) (*ports.TransportParams, error) {
	return guarded(ctx, g, "create_transport",
		[]attribute.KeyValue{attribute.String("media.direction", string(direction))},
		func(ctx context.Context) (*ports.TransportParams, error) {
			return g.engine.CreateTransport(ctx, routerID, direction)
		})
}

func (g *GuardedEngine) ConnectTransport(ctx context.Context, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error) {
	return guarded(ctx, g, "connect_transport",
		[]attribute.KeyValue{attribute.String("media.transport_id", string(transportID))},
		func(ctx context.Context) (json.RawMessage, error) {
			return g.engine.ConnectTransport(ctx, transportID, remote)
		})
}

func (g *GuardedEngine) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	return g.engine.CloseTransport(ctx, transportID)
}

func (g *GuardedEngine) Produce(ctx context.Context, transportID domain.TransportID, params ports.ProduceParams) (domain.ProducerID, error) {
	return guarded(ctx, g, "produce",
		[]attribute.KeyValue{
			attribute.String("media.kind", string(params.Kind)),
			attribute.String("media.tag", string(params.Tag)),
		},
		func(ctx context.Context) (domain.ProducerID, error) {
			return g.engine.Produce(ctx, transportID, params)
		})
}

func (g *GuardedEngine) CloseProducer(ctx context.Context, producerID domain.ProducerID) error {
	return g.engine.CloseProducer(ctx, producerID)
}

func (g *GuardedEngine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerParams, error) {
	return guarded(ctx, g, "consume",
		[]attribute.KeyValue{attribute.String("media.producer_id", string(producerID))},
		func(ctx context.Context) (*ports.ConsumerParams, error) {
			return g.engine.Consume(ctx, transportID, producerID, rtpCapabilities)
		})
}

func (g *GuardedEngine) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	_, err := guarded(ctx, g, "resume_consumer",
		[]attribute.KeyValue{attribute.String("media.consumer_id", string(consumerID))},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.engine.ResumeConsumer(ctx, consumerID)
		})
	return err
}

func (g *GuardedEngine) CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	return g.engine.CloseConsumer(ctx, consumerID)
}

func (g *GuardedEngine) OnRouterFailure(handler func(roomID domain.RoomID, err error)) {
	g.engine.OnRouterFailure(func(roomID domain.RoomID, err error) {
		g.logger.Errorw("router failed", "room_id", roomID, "error", err)
		handler(roomID, err)
	})
}
