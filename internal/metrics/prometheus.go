// Package metrics exposes panel and agent instrumentation via Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all kestrel metrics.
type Registry struct {
	// Control channel
	NodesConnected   prometheus.Gauge
	MessagesTotal    *prometheus.CounterVec
	MalformedFrames  prometheus.Counter
	ReconnectsTotal  *prometheus.CounterVec
	HandshakeFailed  *prometheus.CounterVec
	ConsoleBytes     *prometheus.CounterVec
	SubscriptionsNow prometheus.Gauge

	// Server lifecycle
	ServersByState   *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	StaleUpdates     prometheus.Counter

	// Correlated file operations
	FileOpsTotal       *prometheus.CounterVec
	FileOpTimeouts     prometheus.Counter
	FileOpsOutstanding prometheus.Gauge

	// Panel HTTP surface
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Node health
	NodeProbeRTT  *prometheus.GaugeVec
	NodeProbeLoss *prometheus.GaugeVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.NodesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_nodes_connected",
		Help: "Number of nodes currently holding an open control channel",
	})

	r.MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_messages_total",
		Help: "Control channel messages by envelope type and direction",
	}, []string{"type", "direction"})

	r.MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_malformed_frames_total",
		Help: "Frames dropped because they failed to decode",
	})

	r.ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_reconnects_total",
		Help: "Reconnect attempts by outcome",
	}, []string{"outcome"})

	r.HandshakeFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_handshake_failures_total",
		Help: "Node handshakes rejected, by reason",
	}, []string{"reason"})

	r.ConsoleBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_console_bytes_total",
		Help: "Console traffic by direction (input/output)",
	}, []string{"direction"})

	r.SubscriptionsNow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_subscriptions",
		Help: "Live UI subscriptions to server channels",
	})

	r.ServersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_servers",
		Help: "Known servers by lifecycle state",
	}, []string{"state"})

	r.StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_state_transitions_total",
		Help: "Accepted server state transitions",
	}, []string{"state"})

	r.StaleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_stale_updates_total",
		Help: "State updates dropped for carrying a regressed timestamp",
	})

	r.FileOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_file_ops_total",
		Help: "Correlated file operations by kind and outcome",
	}, []string{"op", "outcome"})

	r.FileOpTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_file_op_timeouts_total",
		Help: "Correlated file operations that hit their deadline",
	})

	r.FileOpsOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_file_ops_outstanding",
		Help: "Correlated file operations awaiting a response",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_api_requests_total",
		Help: "Panel API requests by path and status code",
	}, []string{"path", "code"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_api_request_duration_seconds",
		Help:    "Panel API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	r.NodeProbeRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_node_probe_rtt_seconds",
		Help: "Last ICMP probe round trip time per node",
	}, []string{"node"})

	r.NodeProbeLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_node_probe_loss_ratio",
		Help: "Packet loss ratio of the last probe burst per node",
	}, []string{"node"})

	return r
}
