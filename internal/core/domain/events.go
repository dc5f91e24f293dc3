package domain

import "encoding/json"

type EventType string

const (
	EventRoomSnapshot       EventType = "room_snapshot"
	EventNewPeer            EventType = "new_peer"
	EventNewProducer        EventType = "new_producer"
	EventProducerClosed     EventType = "producer_closed"
	EventPeerDisconnected   EventType = "peer_disconnected"
	EventScreenShareStarted EventType = "screen_share_started"
	EventScreenShareStopped EventType = "screen_share_stopped"
	EventIncomingCall       EventType = "incoming_call"
	EventMeetingAccepted    EventType = "meeting_accepted"
	EventCallRejected       EventType = "call_rejected"
	EventOnlineUsers        EventType = "online_users"
	EventRoomClosed         EventType = "room_closed"
)

// Event is an unsolicited server-to-client notification.
type Event struct {
	Type    EventType
	Payload interface{}
}

type PeerInfo struct {
	ConnectionID ConnectionID `json:"connection_id"`
	UserID       UserID       `json:"user_id"`
}

type ProducerInfo struct {
	ProducerID   ProducerID   `json:"producer_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	UserID       UserID       `json:"user_id"`
	Kind         MediaKind    `json:"kind"`
	Tag          MediaTag     `json:"media_tag"`
}

type RoomSnapshot struct {
	RoomID          RoomID          `json:"room_id"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
	Peers           []PeerInfo      `json:"peers"`
	Producers       []ProducerInfo  `json:"producers"`
	ScreenSharer    UserID          `json:"screen_sharer,omitempty"`
}

type NewPeerEvent struct {
	RoomID RoomID `json:"room_id"`
	PeerInfo
}

type NewProducerEvent struct {
	RoomID RoomID `json:"room_id"`
	ProducerInfo
}

type ProducerClosedEvent struct {
	RoomID       RoomID       `json:"room_id"`
	ProducerID   ProducerID   `json:"producer_id"`
	ConnectionID ConnectionID `json:"connection_id"`
}

type PeerDisconnectedEvent struct {
	RoomID       RoomID       `json:"room_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	UserID       UserID       `json:"user_id"`
}

type ScreenShareEvent struct {
	RoomID RoomID `json:"room_id"`
	UserID UserID `json:"user_id"`
}

type IncomingCallEvent struct {
	MeetingID    RoomID   `json:"meeting_id"`
	Participants []UserID `json:"participants"`
	Initiator    UserID   `json:"initiator"`
}

type MeetingAcceptedEvent struct {
	MeetingID    RoomID   `json:"meeting_id"`
	Participants []UserID `json:"participants"`
	AcceptedBy   UserID   `json:"accepted_by"`
}

type CallRejectedEvent struct {
	MeetingID  RoomID `json:"meeting_id"`
	RejectedBy UserID `json:"rejected_by"`
}

type OnlineUsersEvent struct {
	Users []UserID `json:"users"`
}

type RoomClosedEvent struct {
	RoomID RoomID `json:"room_id"`
	Reason string `json:"reason"`
}
