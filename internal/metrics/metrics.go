// Package metrics provides Prometheus metrics for the crystal service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts committed sends.
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crystal_messages_sent_total",
			Help: "Total number of messages committed",
		},
	)

	// MessagesDeleted counts committed deletes.
	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crystal_messages_deleted_total",
			Help: "Total number of messages deleted",
		},
	)

	// ConversationsCreated counts conversations created by Ensure.
	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crystal_conversations_created_total",
			Help: "Total number of conversations created",
		},
	)

	// AggregateFailures counts aggregate operations rolled back, by operation.
	AggregateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crystal_aggregate_failures_total",
			Help: "Aggregate operations that failed and were rolled back",
		},
		[]string{"op"},
	)

	// CrystalTransitions counts level changes observed at send time or by the sweep.
	CrystalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crystal_level_transitions_total",
			Help: "Relationship level transitions",
		},
		[]string{"from", "to"},
	)

	// ActiveSubscriptions tracks open realtime subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crystal_active_subscriptions",
			Help: "Number of open realtime subscriptions",
		},
	)

	// WebsocketConnections tracks connected realtime surfaces.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crystal_websocket_connections",
			Help: "Number of connected websocket clients",
		},
	)

	// Heartbeats counts presence heartbeats by result.
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crystal_presence_heartbeats_total",
			Help: "Presence heartbeats by result",
		},
		[]string{"result"},
	)

	// SweepDuration tracks decay sweep runtime.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crystal_decay_sweep_duration_seconds",
			Help:    "Duration of relationship decay sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordTransition records a relationship level change.
func RecordTransition(from, to string) {
	CrystalTransitions.WithLabelValues(from, to).Inc()
}
