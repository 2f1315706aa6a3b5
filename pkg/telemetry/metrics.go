package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for issuesync.
type Metrics struct {
	config MetricsConfig

	// Sync operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec

	// Item metrics
	itemsSynced       *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec

	// Webhook metrics
	webhooksReceived  *prometheus.CounterVec
	webhooksProcessed *prometheus.CounterVec
	webhookQueueDepth *prometheus.GaugeVec

	// Task queue metrics
	tasksEnqueued *prometheus.CounterVec
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Rate limiter metrics
	rateLimitWaits prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeOperations prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of sync operations started",
			},
			[]string{"kind"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of sync operations completed",
			},
			[]string{"status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of sync operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		itemsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_synced_total",
				Help:      "Total number of items processed by sync outcome",
			},
			[]string{"item_type", "status"},
		),
		conflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Total number of conflicts resolved by strategy",
			},
			[]string{"strategy"},
		),

		webhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Total number of webhook events received",
			},
			[]string{"source", "event_type"},
		),
		webhooksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_processed_total",
				Help:      "Total number of webhook events processed by outcome",
			},
			[]string{"event_type", "status"},
		),
		webhookQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_queue_depth",
				Help:      "Current number of webhook events per queue list",
			},
			[]string{"list"},
		),

		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Total number of tasks added to the task queue",
			},
			[]string{"task_type"},
		),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed by outcome",
			},
			[]string{"task_type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type"},
		),

		rateLimitWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_waits_total",
				Help:      "Total number of times a caller blocked on the rate limiter",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of running sync operations",
			},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.itemsSynced,
		m.conflictsResolved,
		m.webhooksReceived,
		m.webhooksProcessed,
		m.webhookQueueDepth,
		m.tasksEnqueued,
		m.tasksExecuted,
		m.taskDuration,
		m.rateLimitWaits,
		m.errorsByClass,
		m.activeOperations,
	)

	return m, nil
}

// NopMetrics returns a metrics instance that records nothing.
func NopMetrics() *Metrics {
	return &Metrics{config: MetricsConfig{Enabled: false}}
}

// Operation Metrics

// RecordOperationStarted increments the counter for started operations.
func (m *Metrics) RecordOperationStarted(kind string) {
	if m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(kind).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a finished operation with its terminal
// status and duration.
func (m *Metrics) RecordOperationCompleted(status string, duration time.Duration) {
	if m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(status).Inc()
	m.operationDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// Item Metrics

// RecordItemSynced records one item sync outcome.
func (m *Metrics) RecordItemSynced(itemType, status string) {
	if m.itemsSynced == nil {
		return
	}
	m.itemsSynced.WithLabelValues(itemType, status).Inc()
}

// RecordConflictResolved records a conflict resolution by strategy.
func (m *Metrics) RecordConflictResolved(strategy string) {
	if m.conflictsResolved == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(strategy).Inc()
}

// Webhook Metrics

// RecordWebhookReceived records an inbound webhook event.
func (m *Metrics) RecordWebhookReceived(source, eventType string) {
	if m.webhooksReceived == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(source, eventType).Inc()
}

// RecordWebhookProcessed records a webhook processing outcome.
func (m *Metrics) RecordWebhookProcessed(eventType, status string) {
	if m.webhooksProcessed == nil {
		return
	}
	m.webhooksProcessed.WithLabelValues(eventType, status).Inc()
}

// SetWebhookQueueDepth sets the current depth of a webhook queue list.
func (m *Metrics) SetWebhookQueueDepth(list string, depth float64) {
	if m.webhookQueueDepth == nil {
		return
	}
	m.webhookQueueDepth.WithLabelValues(list).Set(depth)
}

// Task Queue Metrics

// RecordTaskEnqueued records a task added to the queue.
func (m *Metrics) RecordTaskEnqueued(taskType string) {
	if m.tasksEnqueued == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(taskType).Inc()
}

// RecordTaskExecuted records a task execution with its outcome and duration.
func (m *Metrics) RecordTaskExecuted(taskType, status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// Rate Limiter Metrics

// RecordRateLimitWait records a caller blocking on the rate limiter.
func (m *Metrics) RecordRateLimitWait() {
	if m.rateLimitWaits == nil {
		return
	}
	m.rateLimitWaits.Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
