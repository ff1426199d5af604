package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the report engine.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Dataset metrics
	datasetsExecuted *prometheus.CounterVec
	datasetDuration  *prometheus.HistogramVec
	datasetRows      *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, every method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of recipe executions started",
			},
			[]string{"purpose"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of recipe executions completed",
			},
			[]string{"purpose", "success"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of recipe executions",
				Buckets:   buckets,
			},
			[]string{"purpose"},
		),
		datasetsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datasets_executed_total",
				Help:      "Total number of datasets executed, by terminal status",
			},
			[]string{"kind", "status"},
		),
		datasetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dataset_duration_seconds",
				Help:      "Duration of individual dataset executions",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		datasetRows: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dataset_rows",
				Help:      "Row counts of successful datasets",
				Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"kind"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of upstream provider calls",
			},
			[]string{"provider"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of upstream provider calls",
				Buckets:   buckets,
			},
			[]string{"provider"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors, by kind",
			},
			[]string{"provider", "kind"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of dataset cache hits",
			},
			[]string{"kind"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of dataset cache misses",
			},
			[]string{"kind"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of redistribution policy denials",
			},
			[]string{"source", "purpose"},
		),
	}

	registry.MustRegister(
		m.executionsStarted, m.executionsCompleted, m.executionDuration,
		m.datasetsExecuted, m.datasetDuration, m.datasetRows,
		m.providerCalls, m.providerDuration, m.providerErrors,
		m.cacheHits, m.cacheMisses, m.policyDenials,
	)

	return m, nil
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionStarted records the start of a recipe execution.
func (m *Metrics) ExecutionStarted(purpose string) {
	if m.registry == nil {
		return
	}
	m.executionsStarted.WithLabelValues(purpose).Inc()
}

// ExecutionCompleted records a completed recipe execution.
func (m *Metrics) ExecutionCompleted(purpose string, success bool, duration time.Duration) {
	if m.registry == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.executionsCompleted.WithLabelValues(purpose, label).Inc()
	m.executionDuration.WithLabelValues(purpose).Observe(duration.Seconds())
}

// DatasetExecuted records one dataset's terminal status.
func (m *Metrics) DatasetExecuted(kind, status string, rows int, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.datasetsExecuted.WithLabelValues(kind, status).Inc()
	m.datasetDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if rows > 0 {
		m.datasetRows.WithLabelValues(kind).Observe(float64(rows))
	}
}

// ProviderCall records one upstream call.
func (m *Metrics) ProviderCall(provider string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ProviderError records one upstream error by kind.
func (m *Metrics) ProviderError(provider, kind string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

// CacheHit records a dataset cache hit.
func (m *Metrics) CacheHit(kind string) {
	if m.registry == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

// CacheMiss records a dataset cache miss.
func (m *Metrics) CacheMiss(kind string) {
	if m.registry == nil {
		return
	}
	m.cacheMisses.WithLabelValues(kind).Inc()
}

// PolicyDenial records a redistribution denial.
func (m *Metrics) PolicyDenial(source, purpose string) {
	if m.registry == nil {
		return
	}
	m.policyDenials.WithLabelValues(source, purpose).Inc()
}
