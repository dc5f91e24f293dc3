package ports

import (
	"context"
	"encoding/json"

	"meetwire/internal/core/domain"
)

type TransportParams struct {
	ID         domain.TransportID
	Parameters json.RawMessage
}

type ProduceParams struct {
	Kind          domain.MediaKind
	Tag           domain.MediaTag
	RTPParameters json.RawMessage
}

type ConsumerParams struct {
	ID         domain.ConsumerID
	ProducerID domain.ProducerID
	Kind       domain.MediaKind
	Parameters json.RawMessage
}

// MediaEngine is the selective forwarding unit the orchestrator drives. Every
// call may block and fail independently. A failed call must not leave the
// resource allocated; close calls are idempotent.
type MediaEngine interface {
	CreateRouter(ctx context.Context, roomID domain.RoomID) (domain.Router, error)
	CloseRouter(ctx context.Context, routerID string) error

	CreateTransport(ctx context.Context, routerID string, direction domain.Direction) (*TransportParams, error)
	ConnectTransport(ctx context.Context, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error)
	CloseTransport(ctx context.Context, transportID domain.TransportID) error

	Produce(ctx context.Context, transportID domain.TransportID, params ProduceParams) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, producerID domain.ProducerID) error

	Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerParams, error)
	ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error
	CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error

	// OnRouterFailure registers the callback invoked when a room's routing
	// context becomes unusable.
	OnRouterFailure(handler func(roomID domain.RoomID, err error))
}
