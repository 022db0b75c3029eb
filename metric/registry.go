// Package metric manages the node's Prometheus registry and the core
// fabric metrics exposed on the cluster HTTP surface.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process Prometheus registry plus the core fabric
// metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with the core metrics and Go runtime
// collectors registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	r := &Registry{
		prometheusRegistry: prometheusRegistry,
		Metrics:            NewMetrics(),
	}
	r.Metrics.register(prometheusRegistry)

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// Metrics contains the fabric-level metrics.
type Metrics struct {
	PeersConnected    prometheus.Gauge
	ChannelsKnown     prometheus.Gauge
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesMalformed   prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	MessagesPublished prometheus.Counter
	BroadcastFanout   prometheus.Histogram
}

// NewMetrics creates the fabric metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quty",
			Subsystem: "cluster",
			Name:      "peers_connected",
			Help:      "Number of currently established peer connections",
		}),

		ChannelsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quty",
			Subsystem: "hub",
			Name:      "channels_known",
			Help:      "Number of channels with at least one subscriber",
		}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quty",
			Subsystem: "wire",
			Name:      "frames_sent_total",
			Help:      "Frames sent to peers by event tag",
		}, []string{"event"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quty",
			Subsystem: "wire",
			Name:      "frames_received_total",
			Help:      "Frames received from peers by event tag",
		}, []string{"event"}),

		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quty",
			Subsystem: "wire",
			Name:      "frames_malformed_total",
			Help:      "Inbound frames dropped as malformed",
		}),

		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quty",
			Subsystem: "cluster",
			Name:      "handshake_failures_total",
			Help:      "Peer handshake failures by reason",
		}, []string{"reason"}),

		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quty",
			Subsystem: "cluster",
			Name:      "messages_published_total",
			Help:      "Messages published through this node",
		}),

		BroadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quty",
			Subsystem: "cluster",
			Name:      "broadcast_fanout_peers",
			Help:      "Peers covered per broadcast publication",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

// register attaches every metric to reg.
func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PeersConnected,
		m.ChannelsKnown,
		m.FramesSent,
		m.FramesReceived,
		m.FramesMalformed,
		m.HandshakeFailures,
		m.MessagesPublished,
		m.BroadcastFanout,
	)
}
