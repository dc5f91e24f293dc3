package signal

import (
	"encoding/json"

	"meetwire/internal/core/domain"
	"meetwire/internal/infrastructure/middleware"
)

// Inbound request types.
const (
	TypeJoin             = "join"
	TypeGetRoomState     = "get_room_state"
	TypeCreateTransport  = "create_transport"
	TypeConnectTransport = "connect_transport"
	TypeProduce          = "produce"
	TypeCloseProducer    = "close_producer"
	TypeConsume          = "consume"
	TypeResumeConsumer   = "resume_consumer"
	TypeStartScreenShare = "start_screen_share"
	TypeStopScreenShare  = "stop_screen_share"
	TypeLeaveRoom        = "leave_room"
	TypeMeetingRequest   = "meeting_request"
	TypeAcceptMeeting    = "accept_meeting"
	TypeRejectMeeting    = "reject_meeting"

	typeError = "error"
)

// Request is the envelope of every client message.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Reply answers exactly one Request, correlated by RequestID.
type Reply struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id,omitempty"`
	OK        bool                  `json:"ok"`
	Payload   interface{}           `json:"payload,omitempty"`
	Error     *middleware.ErrorBody `json:"error,omitempty"`
}

// Notification is an unsolicited server event.
type Notification struct {
	Type    domain.EventType `json:"type"`
	Payload interface{}      `json:"payload,omitempty"`
}

type roomRequest struct {
	RoomID domain.RoomID `json:"room_id" validate:"required,ident"`
}

type joinRequest struct {
	RoomID domain.RoomID `json:"room_id" validate:"required,ident"`
	UserID domain.UserID `json:"user_id,omitempty" validate:"omitempty,ident"`
}

type joinReply struct {
	RoomID          domain.RoomID   `json:"room_id"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type createTransportRequest struct {
	RoomID    domain.RoomID    `json:"room_id" validate:"required,ident"`
	Direction domain.Direction `json:"direction" validate:"required,oneof=send receive"`
}

type transportReply struct {
	TransportID domain.TransportID `json:"transport_id"`
	Parameters  json.RawMessage    `json:"parameters,omitempty"`
}

type connectTransportRequest struct {
	RoomID      domain.RoomID      `json:"room_id" validate:"required,ident"`
	TransportID domain.TransportID `json:"transport_id" validate:"required,ident"`
	Parameters  json.RawMessage    `json:"parameters" validate:"required"`
}

type produceRequest struct {
	RoomID        domain.RoomID      `json:"room_id" validate:"required,ident"`
	TransportID   domain.TransportID `json:"transport_id" validate:"required,ident"`
	Kind          domain.MediaKind   `json:"kind" validate:"required,oneof=audio video"`
	Tag           domain.MediaTag    `json:"media_tag,omitempty" validate:"omitempty,ident"`
	RTPParameters json.RawMessage    `json:"rtp_parameters,omitempty"`
}

type producerRequest struct {
	RoomID     domain.RoomID     `json:"room_id" validate:"required,ident"`
	ProducerID domain.ProducerID `json:"producer_id" validate:"required,ident"`
}

type producerReply struct {
	ProducerID domain.ProducerID `json:"producer_id"`
}

type consumeRequest struct {
	RoomID          domain.RoomID      `json:"room_id" validate:"required,ident"`
	TransportID     domain.TransportID `json:"transport_id" validate:"required,ident"`
	ProducerID      domain.ProducerID  `json:"producer_id" validate:"required,ident"`
	RTPCapabilities json.RawMessage    `json:"rtp_capabilities,omitempty"`
}

type consumeReply struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
	ProducerID domain.ProducerID `json:"producer_id"`
	Kind       domain.MediaKind  `json:"kind"`
	Parameters json.RawMessage   `json:"parameters,omitempty"`
}

type consumerRequest struct {
	RoomID     domain.RoomID     `json:"room_id" validate:"required,ident"`
	ConsumerID domain.ConsumerID `json:"consumer_id" validate:"required,ident"`
}

type consumerReply struct {
	ConsumerID domain.ConsumerID `json:"consumer_id"`
}

type meetingRequest struct {
	MeetingID    domain.RoomID   `json:"meeting_id" validate:"required,ident"`
	Participants []domain.UserID `json:"participants" validate:"required,max=256,dive,ident"`
	// UserID identifies the caller on connections that did not authenticate.
	UserID domain.UserID `json:"user_id,omitempty" validate:"omitempty,ident"`
}

type meetingReply struct {
	MeetingID domain.RoomID `json:"meeting_id"`
}
