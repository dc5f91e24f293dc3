package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

// MetricsSnapshot is a point-in-time copy of the in-memory counters.
type MetricsSnapshot struct {
	Rooms              int
	Peers              int
	Producers          map[domain.MediaKind]int
	Consumers          int
	ConsumeTimeouts    int
	ScreenShareDenials int
	OnlineUsers        int
	Requests           map[string]int
}

// MetricsService keeps orchestration counters in memory. It backs the admin
// API when Prometheus is disabled and lets tests observe side effects.
type MetricsService struct {
	mu sync.RWMutex

	rooms              int
	peers              int
	producers          map[domain.MediaKind]int
	consumers          int
	consumeTimeouts    int
	screenShareDenials int
	onlineUsers        int

	// requests counts handled requests keyed by "type/code".
	requests map[string]int
}

var _ ports.MetricsCollector = (*MetricsService)(nil)

func NewMetricsService() *MetricsService {
	return &MetricsService{
		producers: make(map[domain.MediaKind]int),
		requests:  make(map[string]int),
	}
}

func (m *MetricsService) RoomOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms++
}

func (m *MetricsService) RoomClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms > 0 {
		m.rooms--
	}
}

func (m *MetricsService) PeerJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers++
}

func (m *MetricsService) PeerLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers > 0 {
		m.peers--
	}
}

func (m *MetricsService) ProducerOpened(kind domain.MediaKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers[kind]++
}

func (m *MetricsService) ProducerClosed(kind domain.MediaKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.producers[kind] > 0 {
		m.producers[kind]--
	}
}

func (m *MetricsService) ConsumerOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers++
}

func (m *MetricsService) ConsumerClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers > 0 {
		m.consumers--
	}
}

func (m *MetricsService) ConsumeTimedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeTimeouts++
}

func (m *MetricsService) ScreenShareDenied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screenShareDenials++
}

func (m *MetricsService) OnlineUsers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onlineUsers = n
}

func (m *MetricsService) ObserveRequest(msgType, code string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[msgType+"/"+code]++
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Rooms:              m.rooms,
		Peers:              m.peers,
		Producers:          make(map[domain.MediaKind]int, len(m.producers)),
		Consumers:          m.consumers,
		ConsumeTimeouts:    m.consumeTimeouts,
		ScreenShareDenials: m.screenShareDenials,
		OnlineUsers:        m.onlineUsers,
		Requests:           make(map[string]int, len(m.requests)),
	}
	for k, v := range m.producers {
		snap.Producers[k] = v
	}
	for k, v := range m.requests {
		snap.Requests[k] = v
	}
	return snap
}

func metricsOrNop(m ports.MetricsCollector) ports.MetricsCollector {
	if m == nil {
		return NewMetricsService()
	}
	return m
}

func loggerOrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
