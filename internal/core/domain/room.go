package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Router is the media engine's routing context for one room.
type Router struct {
	ID           string
	Capabilities json.RawMessage
}

type Transport struct {
	ID         TransportID
	Owner      ConnectionID
	Direction  Direction
	Parameters json.RawMessage
	Connected  bool
}

type Producer struct {
	ID          ProducerID
	Owner       ConnectionID
	UserID      UserID
	TransportID TransportID
	Kind        MediaKind
	Tag         MediaTag
}

func (p *Producer) Info() ProducerInfo {
	return ProducerInfo{
		ProducerID:   p.ID,
		ConnectionID: p.Owner,
		UserID:       p.UserID,
		Kind:         p.Kind,
		Tag:          p.Tag,
	}
}

type Consumer struct {
	ID          ConsumerID
	Owner       ConnectionID
	ProducerID  ProducerID
	TransportID TransportID
	Kind        MediaKind
	Paused      bool
	Parameters  json.RawMessage
}

// ProducerTeardown is what disappears from a room when a producer is removed:
// the producer and every consumer subscribed to it.
type ProducerTeardown struct {
	Producer  *Producer
	Consumers []*Consumer
}

// Room is the state of one conference. It is not safe for concurrent use;
// callers serialize access per room.
type Room struct {
	ID        RoomID
	Router    Router
	CreatedAt time.Time

	Peers      map[ConnectionID]*Peer
	Transports map[TransportID]*Transport
	Producers  map[ProducerID]*Producer
	Consumers  map[ConsumerID]*Consumer

	// ScreenSharer is empty when nobody holds the screen.
	ScreenSharer UserID

	// HadPeers is set once the first peer joins.
	HadPeers bool
}

func NewRoom(id RoomID, router Router, createdAt time.Time) *Room {
	return &Room{
		ID:         id,
		Router:     router,
		CreatedAt:  createdAt,
		Peers:      make(map[ConnectionID]*Peer),
		Transports: make(map[TransportID]*Transport),
		Producers:  make(map[ProducerID]*Producer),
		Consumers:  make(map[ConsumerID]*Consumer),
	}
}

func (r *Room) IsEmpty() bool {
	return len(r.Peers) == 0
}

func (r *Room) AddPeer(connID ConnectionID, userID UserID, now time.Time) (*Peer, error) {
	if _, exists := r.Peers[connID]; exists {
		return nil, ErrAlreadyJoined
	}
	peer := NewPeer(connID, userID, now)
	r.Peers[connID] = peer
	r.HadPeers = true
	return peer, nil
}

func (r *Room) Peer(connID ConnectionID) (*Peer, error) {
	peer, exists := r.Peers[connID]
	if !exists {
		return nil, ErrPeerNotFound
	}
	return peer, nil
}

// Members returns every connection in the room except the excluded one.
func (r *Room) Members(exclude ConnectionID) []ConnectionID {
	members := make([]ConnectionID, 0, len(r.Peers))
	for connID := range r.Peers {
		if connID != exclude {
			members = append(members, connID)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// Snapshot describes the room as seen by connID: every other peer and every
// producer not owned by connID.
func (r *Room) Snapshot(connID ConnectionID) RoomSnapshot {
	snap := RoomSnapshot{
		RoomID:          r.ID,
		RTPCapabilities: r.Router.Capabilities,
		Peers:           make([]PeerInfo, 0, len(r.Peers)),
		Producers:       make([]ProducerInfo, 0, len(r.Producers)),
		ScreenSharer:    r.ScreenSharer,
	}

	peers := make([]*Peer, 0, len(r.Peers))
	for id, peer := range r.Peers {
		if id != connID {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ConnectionID < peers[j].ConnectionID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	for _, peer := range peers {
		snap.Peers = append(snap.Peers, peer.Info())
	}

	for _, producer := range r.Producers {
		if producer.Owner != connID {
			snap.Producers = append(snap.Producers, producer.Info())
		}
	}
	sort.Slice(snap.Producers, func(i, j int) bool {
		return snap.Producers[i].ProducerID < snap.Producers[j].ProducerID
	})

	return snap
}

// OwnedTransport looks a transport up by id, scoped to the room and to its owner.
func (r *Room) OwnedTransport(connID ConnectionID, id TransportID) (*Transport, error) {
	if _, err := r.Peer(connID); err != nil {
		return nil, err
	}
	transport, exists := r.Transports[id]
	if !exists || transport.Owner != connID {
		return nil, ErrTransportNotFound
	}
	return transport, nil
}

func (r *Room) AddTransport(t *Transport) error {
	peer, err := r.Peer(t.Owner)
	if err != nil {
		return err
	}
	r.Transports[t.ID] = t
	peer.Transports[t.ID] = struct{}{}
	return nil
}

func (r *Room) RemoveTransport(id TransportID) (*Transport, bool) {
	transport, exists := r.Transports[id]
	if !exists {
		return nil, false
	}
	delete(r.Transports, id)
	if peer, ok := r.Peers[transport.Owner]; ok {
		delete(peer.Transports, id)
	}
	return transport, true
}

func (r *Room) Producer(id ProducerID) (*Producer, error) {
	producer, exists := r.Producers[id]
	if !exists {
		return nil, ErrProducerNotFound
	}
	return producer, nil
}

func (r *Room) AddProducer(p *Producer) error {
	peer, err := r.Peer(p.Owner)
	if err != nil {
		return err
	}
	if _, err := r.OwnedTransport(p.Owner, p.TransportID); err != nil {
		return err
	}
	r.Producers[p.ID] = p
	peer.Producers[p.ID] = struct{}{}
	return nil
}

// RemoveProducer removes the producer and every consumer fed by it.
func (r *Room) RemoveProducer(id ProducerID) (*ProducerTeardown, bool) {
	producer, exists := r.Producers[id]
	if !exists {
		return nil, false
	}
	delete(r.Producers, id)
	if peer, ok := r.Peers[producer.Owner]; ok {
		delete(peer.Producers, id)
	}

	teardown := &ProducerTeardown{Producer: producer}
	for consumerID, consumer := range r.Consumers {
		if consumer.ProducerID == id {
			r.removeConsumer(consumerID)
			teardown.Consumers = append(teardown.Consumers, consumer)
		}
	}
	sort.Slice(teardown.Consumers, func(i, j int) bool {
		return teardown.Consumers[i].ID < teardown.Consumers[j].ID
	})
	return teardown, true
}

func (r *Room) OwnedConsumer(connID ConnectionID, id ConsumerID) (*Consumer, error) {
	if _, err := r.Peer(connID); err != nil {
		return nil, err
	}
	consumer, exists := r.Consumers[id]
	if !exists || consumer.Owner != connID {
		return nil, ErrConsumerNotFound
	}
	return consumer, nil
}

func (r *Room) AddConsumer(c *Consumer) error {
	peer, err := r.Peer(c.Owner)
	if err != nil {
		return err
	}
	producer, err := r.Producer(c.ProducerID)
	if err != nil {
		return err
	}
	if producer.Owner == c.Owner {
		return ErrSelfConsumption
	}
	if _, err := r.OwnedTransport(c.Owner, c.TransportID); err != nil {
		return err
	}
	r.Consumers[c.ID] = c
	peer.Consumers[c.ID] = struct{}{}
	return nil
}

func (r *Room) RemoveConsumer(id ConsumerID) (*Consumer, bool) {
	consumer, exists := r.Consumers[id]
	if !exists {
		return nil, false
	}
	r.removeConsumer(id)
	return consumer, true
}

func (r *Room) removeConsumer(id ConsumerID) {
	consumer := r.Consumers[id]
	delete(r.Consumers, id)
	if peer, ok := r.Peers[consumer.Owner]; ok {
		delete(peer.Consumers, id)
	}
}

// RemovePeer drops the peer record. Its resources must already be gone.
func (r *Room) RemovePeer(connID ConnectionID) (*Peer, bool) {
	peer, exists := r.Peers[connID]
	if !exists {
		return nil, false
	}
	delete(r.Peers, connID)
	return peer, true
}

// ClaimScreenShare makes userID the screen sharer unless another user holds it.
func (r *Room) ClaimScreenShare(userID UserID) error {
	if r.ScreenSharer != "" && r.ScreenSharer != userID {
		return &ScreenShareBusyError{Holder: r.ScreenSharer}
	}
	r.ScreenSharer = userID
	return nil
}

// ReleaseScreenShare clears the sharer if it is userID and reports whether it did.
func (r *Room) ReleaseScreenShare(userID UserID) bool {
	if r.ScreenSharer == "" || r.ScreenSharer != userID {
		return false
	}
	r.ScreenSharer = ""
	return true
}

// HasUser reports whether any peer of the room carries userID.
func (r *Room) HasUser(userID UserID) bool {
	for _, peer := range r.Peers {
		if peer.UserID == userID {
			return true
		}
	}
	return false
}

// CheckInvariants verifies that peer-owned id sets and the room indices agree
// and that no consumer outlives its producer.
func (r *Room) CheckInvariants() error {
	for connID, peer := range r.Peers {
		if peer.ConnectionID != connID {
			return fmt.Errorf("peer %s indexed under %s", peer.ConnectionID, connID)
		}
		for id := range peer.Transports {
			t, ok := r.Transports[id]
			if !ok || t.Owner != connID {
				return fmt.Errorf("peer %s owns unknown transport %s", connID, id)
			}
		}
		for id := range peer.Producers {
			p, ok := r.Producers[id]
			if !ok || p.Owner != connID {
				return fmt.Errorf("peer %s owns unknown producer %s", connID, id)
			}
		}
		for id := range peer.Consumers {
			c, ok := r.Consumers[id]
			if !ok || c.Owner != connID {
				return fmt.Errorf("peer %s owns unknown consumer %s", connID, id)
			}
		}
	}
	for id, t := range r.Transports {
		peer, ok := r.Peers[t.Owner]
		if !ok {
			return fmt.Errorf("transport %s owned by absent peer %s", id, t.Owner)
		}
		if _, ok := peer.Transports[id]; !ok {
			return fmt.Errorf("transport %s missing from peer %s", id, t.Owner)
		}
	}
	for id, p := range r.Producers {
		peer, ok := r.Peers[p.Owner]
		if !ok {
			return fmt.Errorf("producer %s owned by absent peer %s", id, p.Owner)
		}
		if _, ok := peer.Producers[id]; !ok {
			return fmt.Errorf("producer %s missing from peer %s", id, p.Owner)
		}
	}
	for id, c := range r.Consumers {
		peer, ok := r.Peers[c.Owner]
		if !ok {
			return fmt.Errorf("consumer %s owned by absent peer %s", id, c.Owner)
		}
		if _, ok := peer.Consumers[id]; !ok {
			return fmt.Errorf("consumer %s missing from peer %s", id, c.Owner)
		}
		if _, ok := r.Producers[c.ProducerID]; !ok {
			return fmt.Errorf("consumer %s outlived producer %s", id, c.ProducerID)
		}
	}
	if r.ScreenSharer != "" && !r.HasUser(r.ScreenSharer) {
		return fmt.Errorf("screen sharer %s is not in the room", r.ScreenSharer)
	}
	return nil
}
