package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
)

const namespace = "meetwire"

// PrometheusCollector exports orchestration counters.
type PrometheusCollector struct {
	// Gauges
	roomsActive     prometheus.Gauge
	peersConnected  prometheus.Gauge
	producersActive *prometheus.GaugeVec
	consumersActive prometheus.Gauge
	onlineUsers     prometheus.Gauge

	// Counters
	roomsTotal          prometheus.Counter
	consumeTimeouts     prometheus.Counter
	screenShareDenials  prometheus.Counter
	signalRequestsTotal *prometheus.CounterVec

	// Histograms
	signalRequestDuration *prometheus.HistogramVec
}

var _ ports.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collectors with reg. A nil reg uses
// the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of live rooms",
		}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_joined",
			Help:      "Number of peers currently joined to a room",
		}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_active",
			Help:      "Number of open producers by media kind",
		}, []string{"kind"}),

		consumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_active",
			Help:      "Number of open consumers",
		}),

		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of users in the presence directory",
		}),

		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Total number of rooms created",
		}),

		consumeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_timeouts_total",
			Help:      "Consume operations abandoned after the timeout",
		}),

		screenShareDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_share_denials_total",
			Help:      "Screen share claims refused because another user holds the screen",
		}),

		signalRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_requests_total",
			Help:      "Signaling requests by message type and result code",
		}, []string{"type", "code"}),

		signalRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_request_duration_seconds",
			Help:      "Signaling request handling time",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) PeerJoined() {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) PeerLeft() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) ProducerOpened(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerOpened() {
	p.consumersActive.Inc()
}

func (p *PrometheusCollector) ConsumerClosed() {
	p.consumersActive.Dec()
}

func (p *PrometheusCollector) ConsumeTimedOut() {
	p.consumeTimeouts.Inc()
}

func (p *PrometheusCollector) ScreenShareDenied() {
	p.screenShareDenials.Inc()
}

func (p *PrometheusCollector) OnlineUsers(n int) {
	p.onlineUsers.Set(float64(n))
}

// ObserveRequest records one signaling reply. Rejections before dispatch
// carry a zero duration and are counted but not timed.
func (p *PrometheusCollector) ObserveRequest(msgType, code string, duration time.Duration) {
	p.signalRequestsTotal.WithLabelValues(msgType, code).Inc()
	if duration > 0 {
		p.signalRequestDuration.WithLabelValues(msgType).Observe(duration.Seconds())
	}
}
