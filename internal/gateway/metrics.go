package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	connectedClients prometheus.Gauge
	broadcastsTotal  *prometheus.CounterVec
	eventsTotal      prometheus.Counter
	snapshotDuration prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gasflow_connected_clients",
			Help: "Dashboard websocket clients currently connected.",
		}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gasflow_broadcasts_total",
			Help: "Envelopes broadcast to dashboard clients, by message type.",
		}, []string{"type"}),
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gasflow_agent_events_total",
			Help: "Agent live events forwarded to dashboards.",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gasflow_snapshot_duration_seconds",
			Help:    "Time spent assembling a full status snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.connectedClients, m.broadcastsTotal, m.eventsTotal, m.snapshotDuration)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
