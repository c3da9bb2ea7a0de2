package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mediaq"

var (
	TaskCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_created_total",
			Help:      "Total number of media tasks created.",
		},
		[]string{"task_type"},
	)

	TaskFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_finished_total",
			Help:      "Total number of tasks that reached a terminal status.",
		},
		[]string{"task_type", "status"},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end latency from task creation to terminal status (seconds).",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"task_type", "status"},
	)

	GraphSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_submitted_total",
			Help:      "Total number of step graphs submitted to the queue.",
		},
		[]string{"task_type"},
	)

	StepClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_claimed_total",
			Help:      "Total number of step jobs claimed by workers.",
		},
		[]string{"step"},
	)

	StepFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_finished_total",
			Help:      "Total number of step executions that reached a terminal state.",
		},
		[]string{"step", "status"},
	)

	StepRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retried_total",
			Help:      "Total number of step executions rescheduled with backoff.",
		},
		[]string{"step"},
	)

	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of a single step execution (seconds).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"step", "status"},
	)

	LeaseExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of lease expirations detected during claim-time repair.",
		},
		[]string{"step"},
	)

	QueueEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Total number of lifecycle events emitted by the queue.",
		},
		[]string{"kind"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by a rate limit.",
		},
		[]string{"scope", "operation"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries, labeled by outcome.",
		},
		[]string{"task_type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TaskCreatedTotal,
		TaskFinishedTotal,
		TaskDurationSeconds,
		GraphSubmittedTotal,
		StepClaimedTotal,
		StepFinishedTotal,
		StepRetriedTotal,
		StepDurationSeconds,
		LeaseExpiredTotal,
		QueueEventsTotal,
		RateLimitHitsTotal,
		WebhookDeliveriesTotal,
	)
}
