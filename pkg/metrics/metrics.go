package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a peer.
// Using promauto for automatic registration with default registry.
var (
	// --- Protocol Metrics ---

	// OperationsReceived counts inbound operations by kind.
	OperationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "protocol",
			Name:      "operations_received_total",
			Help:      "Total number of operations received by kind",
		},
		[]string{"kind"},
	)

	// OperationsSent counts outbound operations by kind.
	OperationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "protocol",
			Name:      "operations_sent_total",
			Help:      "Total number of operations broadcast by kind",
		},
		[]string{"kind"},
	)

	// OperationsDropped counts operations discarded before or during dispatch.
	OperationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "protocol",
			Name:      "operations_dropped_total",
			Help:      "Total number of operations dropped by reason",
		},
		[]string{"reason"},
	)

	// --- Election Metrics ---

	// ElectionsStarted counts elections this peer originated, by trigger.
	ElectionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "election",
			Name:      "started_total",
			Help:      "Total number of elections originated by this peer",
		},
		[]string{"trigger"},
	)

	// ElectionsFinalized counts elections finalized locally, by outcome.
	ElectionsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "election",
			Name:      "finalized_total",
			Help:      "Total number of elections finalized by outcome (won, lost)",
		},
		[]string{"outcome"},
	)

	// LeaderChanges counts changes of the believed leader.
	LeaderChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "election",
			Name:      "leader_changes_total",
			Help:      "Total number of times the believed leader changed",
		},
	)

	// ActiveElections tracks elections held in memory.
	ActiveElections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerelect",
			Subsystem: "election",
			Name:      "active",
			Help:      "Number of elections currently tracked",
		},
	)

	// IsLeader is 1 while this peer believes it is the leader.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerelect",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this peer currently believes it is the leader",
		},
	)

	// --- Cluster Metrics ---

	// KnownPeers tracks peers seen since the last discovery broadcast.
	KnownPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerelect",
			Subsystem: "cluster",
			Name:      "known_peers",
			Help:      "Number of peers seen since the last IDENT",
		},
	)

	// --- Transport Metrics ---

	// TransportSendFailures counts failed sends by transport and reason.
	TransportSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "transport",
			Name:      "send_failures_total",
			Help:      "Total number of failed broadcast sends",
		},
		[]string{"transport", "reason"},
	)

	// TransportReconnects counts reconnect attempts of stateful transports.
	TransportReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of transport reconnect attempts",
		},
		[]string{"transport"},
	)

	// --- Duty Metrics ---

	// DutyRuns counts leader duty ticks by status.
	DutyRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerelect",
			Subsystem: "duty",
			Name:      "runs_total",
			Help:      "Total number of duty ticks by status (success, failed, skipped)",
		},
		[]string{"duty", "status"},
	)

	// DutyDuration tracks duty execution duration.
	DutyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerelect",
			Subsystem: "duty",
			Name:      "duration_seconds",
			Help:      "Duration of duty executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"duty", "status"},
	)
)

// RecordDutyRun records metrics for a completed duty execution.
func RecordDutyRun(duty, status string, durationSeconds float64) {
	DutyRuns.WithLabelValues(duty, status).Inc()
	DutyDuration.WithLabelValues(duty, status).Observe(durationSeconds)
}

// SetLeader flips the is-leader gauge.
func SetLeader(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}
