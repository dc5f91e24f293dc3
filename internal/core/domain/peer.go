package domain

import "time"

type PeerState string

const (
	PeerJoining PeerState = "joining"
	PeerReady   PeerState = "ready"
	PeerLeaving PeerState = "leaving"
)

// Peer is one connection's membership inside one room. It refers to the
// resources it owns by id only; the Room holds the resources themselves.
type Peer struct {
	ConnectionID ConnectionID
	UserID       UserID
	State        PeerState
	JoinedAt     time.Time

	Transports map[TransportID]struct{}
	Producers  map[ProducerID]struct{}
	Consumers  map[ConsumerID]struct{}
}

func NewPeer(connID ConnectionID, userID UserID, joinedAt time.Time) *Peer {
	return &Peer{
		ConnectionID: connID,
		UserID:       userID,
		State:        PeerJoining,
		JoinedAt:     joinedAt,
		Transports:   make(map[TransportID]struct{}),
		Producers:    make(map[ProducerID]struct{}),
		Consumers:    make(map[ConsumerID]struct{}),
	}
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{ConnectionID: p.ConnectionID, UserID: p.UserID}
}
