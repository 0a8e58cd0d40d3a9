package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Forwarding directions.
const (
	DirectionToServer = "to_server"
	DirectionToClient = "to_client"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpinspector_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "proxy"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpinspector_sessions_active",
			Help: "Number of sessions currently relayed",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpinspector_sessions_total",
			Help: "Sessions ended, by upstream transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	messagesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpinspector_messages_forwarded_total",
			Help: "JSON-RPC messages forwarded by the relay",
		},
		[]string{"direction"},
	)

	connectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpinspector_connect_failures_total",
			Help: "Connect attempts that failed before a session existed",
		},
		[]string{"kind"},
	)

	stderrChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpinspector_stderr_chunks_total",
			Help: "Standard error chunks forwarded as notifications",
		},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpinspector_session_duration_seconds",
			Help:    "Session lifetime",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsTotal, messagesForwarded, connectFailures, stderrChunks, sessionDuration)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionOpened records a session entering the relay.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed records the end of a session. outcome is "closed" for a
// normal end and "error" when a transport failed.
func SessionClosed(transport, outcome string, d time.Duration) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(transport, outcome).Inc()
	sessionDuration.Observe(d.Seconds())
}

// RecordForwarded counts one message forwarded in direction.
func RecordForwarded(direction string) {
	messagesForwarded.WithLabelValues(direction).Inc()
}

// RecordConnectFailure counts a failed connect attempt by error kind.
func RecordConnectFailure(kind string) {
	connectFailures.WithLabelValues(kind).Inc()
}

// RecordStderrChunk counts one forwarded stderr chunk.
func RecordStderrChunk() {
	stderrChunks.Inc()
}
