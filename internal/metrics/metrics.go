// Package metrics provides Prometheus instrumentation for the relay server.
// It exposes gauges for connection and registration counts, counters for
// presence broadcasts and relayed events, and a histogram for broadcast
// fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsRegistered tracks the number of sessions currently registered
	// in the presence directory.
	SessionsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_registered",
		Help: "Current number of sessions registered in the presence directory",
	})

	// PresenceBroadcastsTotal counts users-list broadcasts, labeled by the
	// operation that triggered them: "register" or "disconnect".
	PresenceBroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Total number of presence snapshot broadcasts",
	}, []string{"trigger"})

	// RelayEventsTotal counts forwarded events, labeled by event kind
	// ("message", "typing") and outcome ("delivered", "remote", "dropped").
	RelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of relay forward attempts",
	}, []string{"event", "outcome"})

	// BroadcastLatency records the time spent fanning a presence snapshot
	// out to all connected clients.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_latency_seconds",
		Help:    "Presence broadcast fan-out latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionsRegistered,
		PresenceBroadcastsTotal,
		RelayEventsTotal,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
