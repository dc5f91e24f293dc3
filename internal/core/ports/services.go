package ports

import (
	"context"
	"encoding/json"
	"time"

	"meetwire/internal/core/domain"
)

type JoinResult struct {
	RoomID          domain.RoomID
	RTPCapabilities json.RawMessage
}

type RoomSummary struct {
	RoomID       domain.RoomID `json:"room_id"`
	Peers        int           `json:"peers"`
	Transports   int           `json:"transports"`
	Producers    int           `json:"producers"`
	Consumers    int           `json:"consumers"`
	ScreenSharer domain.UserID `json:"screen_sharer,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

type ConferenceService interface {
	Connect(ctx context.Context, connID domain.ConnectionID, userID domain.UserID) error
	Disconnect(ctx context.Context, connID domain.ConnectionID)

	Join(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, userID domain.UserID) (*JoinResult, error)
	GetRoomState(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) (*domain.RoomSnapshot, error)
	CreateTransport(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, direction domain.Direction) (*TransportParams, error)
	ConnectTransport(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, remote json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, params ProduceParams) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, producerID domain.ProducerID) error
	Consume(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerParams, error)
	ResumeConsumer(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID, consumerID domain.ConsumerID) error
	StartScreenShare(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error
	StopScreenShare(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error
	LeaveRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error
}

type CallService interface {
	Request(ctx context.Context, meetingID domain.RoomID, initiator domain.UserID, participants []domain.UserID) error
	Accept(ctx context.Context, meetingID domain.RoomID, participants []domain.UserID, accepter domain.UserID) error
	Reject(ctx context.Context, meetingID domain.RoomID, participants []domain.UserID, rejecter domain.UserID) error
}

type PresenceService interface {
	Register(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error
	Unregister(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error
	Lookup(ctx context.Context, userID domain.UserID) (domain.ConnectionID, error)
	OnlineUsers(ctx context.Context) ([]domain.UserID, error)
	// Publish broadcasts the online user list to every connection.
	Publish(ctx context.Context) error
	Clear(ctx context.Context) error
}

type RoomDirectory interface {
	List() []RoomSummary
	Summary(roomID domain.RoomID) (RoomSummary, error)
}

// MetricsCollector receives orchestration counters.
type MetricsCollector interface {
	RoomOpened()
	RoomClosed()
	PeerJoined()
	PeerLeft()
	ProducerOpened(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerOpened()
	ConsumerClosed()
	ConsumeTimedOut()
	ScreenShareDenied()
	OnlineUsers(n int)
	ObserveRequest(msgType, code string, duration time.Duration)
}
