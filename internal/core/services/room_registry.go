package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

// roomEntry guards one room. Lock order is registry.mu before entry.mu.
type roomEntry struct {
	mu     sync.Mutex
	room   *domain.Room
	closed bool
}

// do runs fn with the room locked. A closed room reports ErrRoomNotFound.
func (e *roomEntry) do(fn func(room *domain.Room) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrRoomNotFound
	}
	return fn(e.room)
}

// RoomRegistry owns every live room and its routing context.
type RoomRegistry struct {
	engine  ports.MediaEngine
	metrics ports.MetricsCollector
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
	group singleflight.Group
}

func NewRoomRegistry(engine ports.MediaEngine, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		engine:  engine,
		metrics: metricsOrNop(metrics),
		logger:  loggerOrNop(logger),
		now:     time.Now,
		rooms:   make(map[domain.RoomID]*roomEntry),
	}
}

func (r *RoomRegistry) lookup(roomID domain.RoomID) *roomEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// GetOrCreate returns the room, creating it and its router on first use.
// Concurrent callers for the same id share one router creation.
func (r *RoomRegistry) GetOrCreate(ctx context.Context, roomID domain.RoomID) (*roomEntry, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty room id", domain.ErrMalformed)
	}
	if entry := r.lookup(roomID); entry != nil {
		return entry, nil
	}

	v, err, _ := r.group.Do(string(roomID), func() (interface{}, error) {
		if entry := r.lookup(roomID); entry != nil {
			return entry, nil
		}

		router, err := r.engine.CreateRouter(ctx, roomID)
		if err != nil {
			return nil, engineFailure("create router", err)
		}

		entry := &roomEntry{room: domain.NewRoom(roomID, router, r.now())}
		r.mu.Lock()
		r.rooms[roomID] = entry
		r.mu.Unlock()

		r.metrics.RoomOpened()
		r.logger.Infow("room created", "room_id", roomID, "router_id", router.ID)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*roomEntry), nil
}

// Get returns a live room or ErrRoomNotFound.
func (r *RoomRegistry) Get(roomID domain.RoomID) (*roomEntry, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return nil, domain.ErrRoomNotFound
	}
	return entry, nil
}

// withRoom runs fn against a live room under its lock.
func (r *RoomRegistry) withRoom(roomID domain.RoomID, fn func(room *domain.Room) error) error {
	entry, err := r.Get(roomID)
	if err != nil {
		return err
	}
	return entry.do(fn)
}

// detach closes and unregisters the room when pred holds. The returned room
// is no longer reachable through the registry.
func (r *RoomRegistry) detach(roomID domain.RoomID, pred func(room *domain.Room) bool) (*domain.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.closed || !pred(entry.room) {
		return nil, false
	}
	entry.closed = true
	delete(r.rooms, roomID)
	return entry.room, true
}

// RemoveIfEmpty destroys the room and releases its router if nobody is in it.
func (r *RoomRegistry) RemoveIfEmpty(ctx context.Context, roomID domain.RoomID) bool {
	room, ok := r.detach(roomID, (*domain.Room).IsEmpty)
	if !ok {
		return false
	}
	r.closeRouter(ctx, room, "empty")
	return true
}

// Terminate removes the room regardless of its peers. The caller owns the
// returned room and must release its resources.
func (r *RoomRegistry) Terminate(roomID domain.RoomID) (*domain.Room, bool) {
	return r.detach(roomID, func(*domain.Room) bool { return true })
}

// SweepIdle destroys rooms that were created but never joined within olderThan.
func (r *RoomRegistry) SweepIdle(ctx context.Context, olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	swept := 0
	for _, roomID := range r.ids() {
		room, ok := r.detach(roomID, func(room *domain.Room) bool {
			return !room.HadPeers && room.IsEmpty() && room.CreatedAt.Before(cutoff)
		})
		if !ok {
			continue
		}
		r.closeRouter(ctx, room, "idle")
		swept++
	}
	return swept
}

func (r *RoomRegistry) closeRouter(ctx context.Context, room *domain.Room, reason string) {
	if err := r.engine.CloseRouter(ctx, room.Router.ID); err != nil {
		r.logger.Warnw("failed to close router",
			"room_id", room.ID,
			"router_id", room.Router.ID,
			"error", err,
		)
	}
	r.metrics.RoomClosed()
	r.logger.Infow("room destroyed", "room_id", room.ID, "reason", reason)
}

func (r *RoomRegistry) ids() []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of live rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *RoomRegistry) Has(roomID domain.RoomID) bool {
	return r.lookup(roomID) != nil
}

func (r *RoomRegistry) List() []ports.RoomSummary {
	summaries := make([]ports.RoomSummary, 0)
	for _, roomID := range r.ids() {
		summary, err := r.Summary(roomID)
		if err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func (r *RoomRegistry) Summary(roomID domain.RoomID) (ports.RoomSummary, error) {
	var summary ports.RoomSummary
	err := r.withRoom(roomID, func(room *domain.Room) error {
		summary = ports.RoomSummary{
			RoomID:       room.ID,
			Peers:        len(room.Peers),
			Transports:   len(room.Transports),
			Producers:    len(room.Producers),
			Consumers:    len(room.Consumers),
			ScreenSharer: room.ScreenSharer,
			CreatedAt:    room.CreatedAt,
		}
		return nil
	})
	return summary, err
}

// Close destroys every room. Rooms created afterwards are unaffected.
func (r *RoomRegistry) Close(ctx context.Context) {
	for _, roomID := range r.ids() {
		room, ok := r.Terminate(roomID)
		if !ok {
			continue
		}
		r.closeRouter(ctx, room, "shutdown")
	}
}
