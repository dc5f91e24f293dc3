package memory

import (
	"context"
	"sort"
	"sync"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

type MemoryPresenceRepository struct {
	users map[domain.UserID]domain.ConnectionID
	mu    sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		users: make(map[domain.UserID]domain.ConnectionID),
	}
}

func (r *MemoryPresenceRepository) Set(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[userID] = connID
	return nil
}

func (r *MemoryPresenceRepository) Get(ctx context.Context, userID domain.UserID) (domain.ConnectionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, exists := r.users[userID]
	if !exists {
		return "", domain.ErrUserOffline
	}
	return connID, nil
}

func (r *MemoryPresenceRepository) DeleteIf(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.users[userID]; !exists || current != connID {
		return false, nil
	}
	delete(r.users, userID)
	return true, nil
}

func (r *MemoryPresenceRepository) List(ctx context.Context) ([]domain.PresenceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.PresenceEntry, 0, len(r.users))
	for userID, connID := range r.users {
		entries = append(entries, domain.PresenceEntry{UserID: userID, ConnectionID: connID})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

func (r *MemoryPresenceRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users = make(map[domain.UserID]domain.ConnectionID)
	return nil
}
