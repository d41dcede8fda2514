// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict sources.
const (
	SourceRule        = "rule"
	SourceDefault     = "default"
	SourceInteractive = "interactive"
	SourceTimeout     = "timeout"
	SourceError       = "error"
)

var (
	// PacketsTotal counts decoded packet queries by protocol
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appwall_packets_total",
			Help: "Total number of packet queries decoded",
		},
		[]string{"protocol"},
	)

	// VerdictsTotal counts verdicts written to the inspector
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appwall_verdicts_total",
			Help: "Total number of verdicts delivered",
		},
		[]string{"action", "source"},
	)

	DecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appwall_decode_errors_total",
			Help: "Total number of malformed packet queries",
		},
	)

	// PendingDecisions tracks interactive decisions awaiting an answer
	PendingDecisions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "appwall_pending_decisions",
			Help: "Number of interactive decisions awaiting an answer",
		},
	)

	BridgeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "appwall_bridge_connected",
			Help: "Whether an inspector is connected to the bridge (0 or 1)",
		},
	)

	// InteractiveWaitSeconds measures time from prompt to answer
	InteractiveWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appwall_interactive_wait_seconds",
			Help:    "Time an interactive decision stayed pending",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	// ErrorsTotal counts errors reported to diagnostics by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appwall_errors_total",
			Help: "Total number of errors reported to diagnostics",
		},
		[]string{"component"},
	)
)
