// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// DispatchRoundsTotal counts rounds by outcome: started, pool_exhausted, rejected.
	DispatchRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rounds_total",
			Help: "Total number of dispatch rounds attempted, by outcome.",
		},
		[]string{"outcome"},
	)

	AssignmentsOffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_assignments_offered_total",
			Help: "Total number of assignment offers created.",
		},
	)

	AssignmentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_assignment_transitions_total",
			Help: "Total number of assignment status transitions, by target status.",
		},
		[]string{"status"},
	)

	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_round_duration_seconds",
			Help:    "Time spent opening a dispatch round.",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerWriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_ledger_write_retries_total",
			Help: "Compare-and-set writes that lost a race and were retried, by key.",
		},
		[]string{"key"},
	)

	// PushDeliveriesTotal counts push notifications by result: sent, failed, skipped.
	PushDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_push_deliveries_total",
			Help: "Total number of push notifications handed to the gateway, by result.",
		},
		[]string{"result"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_published_total",
			Help: "Dispatch events published to the broker, by type and result.",
		},
		[]string{"type", "result"},
	)

	TrackedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_tracked_jobs",
			Help: "Number of jobs under auto-reassign at the last pass.",
		},
	)

	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)

	NotifierNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_notifier_nodes",
			Help: "Number of notifier nodes currently discovered.",
		},
	)
)
