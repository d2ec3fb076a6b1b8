package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once
	shared   *Metrics
)

type Metrics struct {
	requestDuration *prometheus.HistogramVec
	handshakes      *prometheus.CounterVec
	droppedItems    *prometheus.CounterVec
	peers           prometheus.Gauge
	reconnections   *prometheus.CounterVec
}

// Get returns the process-wide collectors, registering them on first use.
func Get() *Metrics {
	initOnce.Do(func() {
		m := &Metrics{
			requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "peernet_request_duration_seconds",
				Help:    "Latency of outbound peer requests by RPC kind.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			}, []string{"method"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_handshakes_total",
				Help: "Handshake outcomes by direction and result.",
			}, []string{"direction", "result"}),
			droppedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_dropped_items_total",
				Help: "Items dropped from peer send queues by category and reason.",
			}, []string{"category", "reason"}),
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peernet_peers",
				Help: "Number of peers in the pool.",
			}),
			reconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_reconnection_attempts_total",
				Help: "Reconnection attempts by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(m.requestDuration, m.handshakes, m.droppedItems, m.peers, m.reconnections)
		shared = m
	})
	return shared
}

func (m *Metrics) ObserveRequest(method string, d time.Duration) {
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) Handshake(direction, result string) {
	m.handshakes.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) Dropped(category, reason string) {
	m.droppedItems.WithLabelValues(category, reason).Inc()
}

func (m *Metrics) SetPeers(n int) {
	m.peers.Set(float64(n))
}

func (m *Metrics) Reconnection(result string) {
	m.reconnections.WithLabelValues(result).Inc()
}
