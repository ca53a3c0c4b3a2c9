// Package metrics registers the Prometheus instruments for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts terminal task outcomes by type.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "tasks_total",
		Help:      "Terminal task outcomes by task type and status.",
	}, []string{"type", "status"})

	// TaskDuration observes handler wall time per task type.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time per task type.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"type"})

	// RetriesTotal counts retry re-enqueues by task type.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "retries_total",
		Help:      "Retry re-enqueues by task type.",
	}, []string{"type"})

	// QueueDepth is the number of ready tasks in the broker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the ready queue.",
	})

	// DelayedDepth is the number of tasks parked for backoff.
	DelayedDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "delayed_depth",
		Help:      "Tasks parked in the delayed set awaiting retry.",
	})

	// DLQDepth is the number of tasks in the dead letter queue.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "dlq_depth",
		Help:      "Tasks in the dead letter queue.",
	})

	// InFlight tracks tasks currently held by handler goroutines.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "tasks_in_flight",
		Help:      "Tasks currently executing in this process.",
	})

	// BudgetSpent mirrors the committed daily spend per provider.
	BudgetSpent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "budget_spent_usd",
		Help:      "Committed spend for the current UTC day per provider.",
	}, []string{"provider"})

	// BudgetRejections counts submissions refused for budget exhaustion.
	BudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "budget_rejections_total",
		Help:      "Task executions refused because the daily budget ran out.",
	}, []string{"provider"})

	// CircuitState exposes each breaker as 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "circuit_state",
		Help:      "Breaker state per downstream service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})

	// OutboxPending is the number of outbox messages awaiting delivery.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "outbox_pending",
		Help:      "Outbox messages not yet delivered.",
	})

	// WebhookRejections counts webhook deliveries refused at the gate.
	WebhookRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "webhook_rejections_total",
		Help:      "Webhook deliveries rejected before processing.",
	}, []string{"reason"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "http_requests_total",
		Help:      "API requests by method, route and status.",
	}, []string{"method", "route", "status"})
)

// SetCircuitState records the numeric gauge for a breaker state string.
func SetCircuitState(service, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(service).Set(v)
}
