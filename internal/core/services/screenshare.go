package services

import (
	"context"

	"meetwire/internal/core/domain"
)

// StartScreenShare claims the room's screen for the caller's user. At most
// one user holds it; a competing claim fails with the current holder.
func (s *ConferenceService) StartScreenShare(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error {
	return s.registry.withRoom(roomID, func(room *domain.Room) error {
		peer, err := room.Peer(connID)
		if err != nil {
			return err
		}
		if err := room.ClaimScreenShare(peer.UserID); err != nil {
			s.metrics.ScreenShareDenied()
			s.logger.Debugw("screen share denied",
				"room_id", roomID,
				"user_id", peer.UserID,
				"holder", room.ScreenSharer,
			)
			return err
		}
		s.notifyAll(room.Members(""), domain.Event{
			Type:    domain.EventScreenShareStarted,
			Payload: domain.ScreenShareEvent{RoomID: roomID, UserID: peer.UserID},
		})
		return nil
	})
}

// StopScreenShare releases the screen if the caller's user holds it. The
// stop is announced either way so clients can drop stale tiles.
func (s *ConferenceService) StopScreenShare(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error {
	return s.registry.withRoom(roomID, func(room *domain.Room) error {
		peer, err := room.Peer(connID)
		if err != nil {
			return err
		}
		room.ReleaseScreenShare(peer.UserID)
		s.notifyAll(room.Members(""), domain.Event{
			Type:    domain.EventScreenShareStopped,
			Payload: domain.ScreenShareEvent{RoomID: roomID, UserID: peer.UserID},
		})
		return nil
	})
}
