package domain

type RoomID string
type ConnectionID string
type UserID string
type TransportID string
type ProducerID string
type ConsumerID string

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionReceive
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// MediaTag is the application label a client attaches to a producer.
type MediaTag string

const (
	TagCamera           MediaTag = "camera"
	TagMicrophone       MediaTag = "microphone"
	TagScreenShare      MediaTag = "screen-share"
	TagScreenShareAudio MediaTag = "screen-share-audio"
)

// IsScreenShare reports whether the tag marks the screen-share video stream,
// the one the arbiter tracks.
func (t MediaTag) IsScreenShare() bool {
	return t == TagScreenShare
}
