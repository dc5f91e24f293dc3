package services

import (
	"fmt"
	"sort"
	"sync"

	"meetwire/internal/core/domain"
)

type session struct {
	userID domain.UserID
	rooms  map[domain.RoomID]struct{}
}

// sessionTable tracks which rooms each live connection belongs to. Its lock
// is a leaf: it may be taken while a room is locked, never the reverse.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[domain.ConnectionID]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[domain.ConnectionID]*session)}
}

func (t *sessionTable) open(connID domain.ConnectionID, userID domain.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[connID]; exists {
		return fmt.Errorf("%w: connection %s already open", domain.ErrAlreadyJoined, connID)
	}
	t.sessions[connID] = &session{
		userID: userID,
		rooms:  make(map[domain.RoomID]struct{}),
	}
	return nil
}

// close forgets the connection and returns the rooms it was in.
func (t *sessionTable) close(connID domain.ConnectionID) (domain.UserID, []domain.RoomID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[connID]
	if !exists {
		return "", nil, false
	}
	delete(t.sessions, connID)

	rooms := make([]domain.RoomID, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return s.userID, rooms, true
}

func (t *sessionTable) user(connID domain.ConnectionID) (domain.UserID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[connID]
	if !exists {
		return "", false
	}
	return s.userID, true
}

// adopt records userID for a connection that connected anonymously.
func (t *sessionTable) adopt(connID domain.ConnectionID, userID domain.UserID) domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[connID]
	if !exists {
		return userID
	}
	if s.userID == "" {
		s.userID = userID
	}
	return s.userID
}

// addRoom reports false when the connection is already gone.
func (t *sessionTable) addRoom(connID domain.ConnectionID, roomID domain.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[connID]
	if !exists {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (t *sessionTable) removeRoom(connID domain.ConnectionID, roomID domain.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, exists := t.sessions[connID]; exists {
		delete(s.rooms, roomID)
	}
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
