package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for idbridge sync runs.
type Metrics struct {
	config MetricsConfig

	// Sync run metrics
	syncsStarted   *prometheus.CounterVec
	syncsCompleted *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec

	// Plan metrics
	planItemsGenerated *prometheus.CounterVec
	planWarnings       prometheus.Counter

	// Execution metrics
	itemsExecuted *prometheus.CounterVec
	itemDuration  *prometheus.HistogramVec

	// API client metrics
	apiCalls      *prometheus.CounterVec
	apiCallErrors *prometheus.CounterVec
	apiRetries    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// State metrics
	mappingsTracked *prometheus.GaugeVec
	driftWarnings   *prometheus.CounterVec

	// System metrics
	activeSyncs prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		syncsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_started_total",
				Help:      "Total number of sync executions started",
			},
			[]string{"mode"},
		),
		syncsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_completed_total",
				Help:      "Total number of sync executions completed",
			},
			[]string{"status"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of sync execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		planItemsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_items_generated_total",
				Help:      "Total number of plan items generated",
			},
			[]string{"action", "resource_type"},
		),
		planWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_warnings_total",
				Help:      "Total number of advisory plan warnings",
			},
		),

		itemsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_executed_total",
				Help:      "Total number of plan items executed",
			},
			[]string{"action", "status", "resource_type"},
		),
		itemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_duration_seconds",
				Help:      "Duration of plan item execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "resource_type"},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Total number of external API calls",
			},
			[]string{"service", "operation"},
		),
		apiCallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_call_errors_total",
				Help:      "Total number of external API call errors",
			},
			[]string{"service", "operation"},
		),
		apiRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_retries_total",
				Help:      "Total number of retried API requests",
			},
			[]string{"service"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		mappingsTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mappings_tracked",
				Help:      "Current number of tracked resource mappings",
			},
			[]string{"resource_type"},
		),
		driftWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_warnings_total",
				Help:      "Total number of drift warnings detected",
			},
			[]string{"resource_type", "severity"},
		),

		activeSyncs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_syncs",
				Help:      "Current number of active sync executions",
			},
		),
	}

	registry.MustRegister(
		m.syncsStarted,
		m.syncsCompleted,
		m.syncDuration,
		m.planItemsGenerated,
		m.planWarnings,
		m.itemsExecuted,
		m.itemDuration,
		m.apiCalls,
		m.apiCallErrors,
		m.apiRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.mappingsTracked,
		m.driftWarnings,
		m.activeSyncs,
	)

	return m, nil
}

// RecordSyncStarted increments the counter for started sync executions.
func (m *Metrics) RecordSyncStarted(mode string) {
	if m == nil || m.syncsStarted == nil {
		return
	}
	m.syncsStarted.WithLabelValues(mode).Inc()
	m.activeSyncs.Inc()
}

// RecordSyncCompleted records a completed sync with its status and duration.
func (m *Metrics) RecordSyncCompleted(status string, duration time.Duration) {
	if m == nil || m.syncsCompleted == nil {
		return
	}
	m.syncsCompleted.WithLabelValues(status).Inc()
	m.syncDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeSyncs.Dec()
}

// RecordPlanItem records a generated plan item.
func (m *Metrics) RecordPlanItem(action, resourceType string) {
	if m == nil || m.planItemsGenerated == nil {
		return
	}
	m.planItemsGenerated.WithLabelValues(action, resourceType).Inc()
}

// RecordPlanWarnings records advisory warnings attached to a plan.
func (m *Metrics) RecordPlanWarnings(count int) {
	if m == nil || m.planWarnings == nil {
		return
	}
	m.planWarnings.Add(float64(count))
}

// RecordItemExecution records the execution of a single plan item.
func (m *Metrics) RecordItemExecution(action, status, resourceType string, duration time.Duration) {
	if m == nil || m.itemsExecuted == nil {
		return
	}
	m.itemsExecuted.WithLabelValues(action, status, resourceType).Inc()
	m.itemDuration.WithLabelValues(action, resourceType).Observe(duration.Seconds())
}

// RecordAPICall records a call to an external service.
func (m *Metrics) RecordAPICall(service, operation string, err error) {
	if m == nil || m.apiCalls == nil {
		return
	}
	m.apiCalls.WithLabelValues(service, operation).Inc()
	if err != nil {
		m.apiCallErrors.WithLabelValues(service, operation).Inc()
	}
}

// RecordAPIRetry records a retried API request.
func (m *Metrics) RecordAPIRetry(service string) {
	if m == nil || m.apiRetries == nil {
		return
	}
	m.apiRetries.WithLabelValues(service).Inc()
}

// RecordError records an error occurrence by class and code.
func (m *Metrics) RecordError(class, code string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	m.errorsByCode.WithLabelValues(code).Inc()
}

// SetMappingsTracked sets the current count of tracked mappings.
func (m *Metrics) SetMappingsTracked(resourceType string, count int) {
	if m == nil || m.mappingsTracked == nil {
		return
	}
	m.mappingsTracked.WithLabelValues(resourceType).Set(float64(count))
}

// RecordDriftWarning records a detected drift warning.
func (m *Metrics) RecordDriftWarning(resourceType, severity string) {
	if m == nil || m.driftWarnings == nil {
		return
	}
	m.driftWarnings.WithLabelValues(resourceType, severity).Inc()
}

// Handler returns an HTTP handler serving the metrics registry.
// Returns nil when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
