package services

import (
	"context"
	"sort"

	"meetwire/internal/core/domain"
)

// release lists engine resources that have already left the room state and
// still need closing in the media engine.
type release struct {
	transports []domain.TransportID
	producers  []*domain.Producer
	consumers  []domain.ConsumerID
}

func (r *release) addTeardown(td *domain.ProducerTeardown) {
	if td == nil {
		return
	}
	r.producers = append(r.producers, td.Producer)
	for _, c := range td.Consumers {
		r.consumers = append(r.consumers, c.ID)
	}
}

func (r *release) empty() bool {
	return len(r.transports) == 0 && len(r.producers) == 0 && len(r.consumers) == 0
}

func (s *ConferenceService) release(ctx context.Context, r release) {
	if r.empty() {
		return
	}
	s.closeTransports(ctx, r.transports)

	rctx, cancel := releaseContext(ctx)
	defer cancel()
	for _, producer := range r.producers {
		if err := s.engine.CloseProducer(rctx, producer.ID); err != nil {
			s.logger.Warnw("failed to close producer", "producer_id", producer.ID, "error", err)
		}
		s.metrics.ProducerClosed(producer.Kind)
	}
	s.closeConsumers(ctx, r.consumers)
}

func (s *ConferenceService) closeTransports(ctx context.Context, ids []domain.TransportID) {
	rctx, cancel := releaseContext(ctx)
	defer cancel()
	for _, id := range ids {
		if err := s.engine.CloseTransport(rctx, id); err != nil {
			s.logger.Warnw("failed to close transport", "transport_id", id, "error", err)
		}
	}
}

func (s *ConferenceService) closeConsumers(ctx context.Context, ids []domain.ConsumerID) {
	rctx, cancel := releaseContext(ctx)
	defer cancel()
	for _, id := range ids {
		if err := s.engine.CloseConsumer(rctx, id); err != nil {
			s.logger.Warnw("failed to close consumer", "consumer_id", id, "error", err)
		}
		s.metrics.ConsumerClosed()
	}
}

// LeaveRoom removes the connection from one room. Leaving a room the
// connection is not in is a no-op.
func (s *ConferenceService) LeaveRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error {
	s.sessions.removeRoom(connID, roomID)
	s.cleanupPeer(ctx, roomID, connID)
	return nil
}

// cleanupPeer removes every trace of connID from the room: transports,
// producers (with their consumers), its own consumers, the peer record and
// any screen-share claim. Remaining peers are told, the engine resources are
// closed outside the room lock and the room is destroyed if it became empty.
// Running it twice is harmless.
func (s *ConferenceService) cleanupPeer(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) {
	entry, err := s.registry.Get(roomID)
	if err != nil {
		return
	}

	var (
		r     release
		found bool
	)
	_ = entry.do(func(room *domain.Room) error {
		peer, err := room.Peer(connID)
		if err != nil {
			return nil
		}
		found = true
		peer.State = domain.PeerLeaving

		for _, id := range sortedKeys(peer.Transports) {
			if t, ok := room.RemoveTransport(id); ok {
				r.transports = append(r.transports, t.ID)
			}
		}
		for _, id := range sortedKeys(peer.Producers) {
			r.addTeardown(s.removeProducerLocked(room, id))
		}
		for _, id := range sortedKeys(peer.Consumers) {
			if c, ok := room.RemoveConsumer(id); ok {
				r.consumers = append(r.consumers, c.ID)
			}
		}

		room.RemovePeer(connID)

		if !room.HasUser(peer.UserID) && room.ReleaseScreenShare(peer.UserID) {
			s.notifyAll(room.Members(""), domain.Event{
				Type:    domain.EventScreenShareStopped,
				Payload: domain.ScreenShareEvent{RoomID: roomID, UserID: peer.UserID},
			})
		}
		s.notifyAll(room.Members(""), domain.Event{
			Type: domain.EventPeerDisconnected,
			Payload: domain.PeerDisconnectedEvent{
				RoomID:       roomID,
				ConnectionID: connID,
				UserID:       peer.UserID,
			},
		})
		return nil
	})
	if !found {
		return
	}

	s.release(ctx, r)
	s.metrics.PeerLeft()
	s.logger.Infow("peer left", "room_id", roomID, "connection_id", connID)

	rctx, cancel := releaseContext(ctx)
	defer cancel()
	s.registry.RemoveIfEmpty(rctx, roomID)
}

func sortedKeys[K ~string](set map[K]struct{}) []K {
	keys := make([]K, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// discardConsumer closes a consumer the room never indexed.
func (s *ConferenceService) discardConsumer(ctx context.Context, id domain.ConsumerID) {
	rctx, cancel := releaseContext(ctx)
	defer cancel()
	if err := s.engine.CloseConsumer(rctx, id); err != nil {
		s.logger.Warnw("failed to release orphaned consumer", "consumer_id", id, "error", err)
	}
}
