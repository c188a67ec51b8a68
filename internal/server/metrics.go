package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "notehive_collab"

// Metrics groups the gateway's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	HandshakeFailures prometheus.Counter
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	BroadcastFrames   *prometheus.CounterVec
	DisconnectRemoved prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Current number of authenticated websocket connections",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_auth_failures_total",
			Help:      "Websocket handshakes rejected for a missing or invalid token",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound websocket events by name and outcome",
		}, []string{"event", "outcome"}),
		EventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling one inbound websocket event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"event"}),
		BroadcastFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_frames_total",
			Help:      "Outbound frames queued or dropped on a full send buffer",
		}, []string{"event", "result"}),
		DisconnectRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnect_sessions_removed_total",
			Help:      "Sessions a user was removed from by disconnect cleanup",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeBroadcast(event string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.BroadcastFrames.WithLabelValues(event, "queued").Add(float64(delivered))
	m.BroadcastFrames.WithLabelValues(event, "dropped").Add(float64(dropped))
}
