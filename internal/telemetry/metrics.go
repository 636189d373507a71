// ABOUTME: Prometheus metrics for the mesh daemon.
// ABOUTME: Tracks peer liveness, envelope traffic, and election outcomes.

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "covenmesh",
			Name:      "connected_peers",
			Help:      "Number of peers currently in the Connected state.",
		},
	)

	EnvelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to peers, labeled by kind.",
		},
		[]string{"kind"},
	)

	EnvelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "envelopes_received_total",
			Help:      "Envelopes read from peers, labeled by kind.",
		},
		[]string{"kind"},
	)

	EnvelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped before delivery, labeled by reason (duplicate, stale_term, malformed, oversized, backpressure).",
		},
		[]string{"reason"},
	)

	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "elections_started_total",
			Help:      "Election rounds this node has initiated or joined.",
		},
	)

	ElectionsDecided = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "elections_decided_total",
			Help:      "Election rounds that reached a decision, labeled by outcome (won, lost, adopted, sole_leader).",
		},
		[]string{"outcome"},
	)

	ElectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "covenmesh",
			Name:      "election_duration_seconds",
			Help:      "Time from starting an election round to reaching a decision.",
			// Covers 10ms .. ~40s; rounds that hit the step timeout land in the tail.
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	HeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "heartbeat_timeouts_total",
			Help:      "Peers declared dead after missing heartbeats.",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "covenmesh",
			Name:      "reconnect_attempts_total",
			Help:      "Outbound dial attempts made by the reconnect loop.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "covenmesh",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "covenmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ConnectedPeers,
		EnvelopesSent,
		EnvelopesReceived,
		EnvelopesDropped,
		ElectionsStarted,
		ElectionsDecided,
		ElectionDuration,
		HeartbeatTimeouts,
		ReconnectAttempts,
		buildInfo,
		uptime,
	)
}

// MetricsHandler exposes the registry. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
