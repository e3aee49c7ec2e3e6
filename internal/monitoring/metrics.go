// Package monitoring exposes Prometheus metrics and runs the periodic
// health check that raises alerts.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

const namespace = "phone_enrich"

// Metrics holds the Prometheus collectors. Each instance owns its registry
// so tests and multiple servers never collide on global registration.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal          *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	ProviderCallsTotal  *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	ProviderCostUSD     *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	WebhooksTotal       *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RecordsByStatus     *prometheus.GaugeVec
	DLQDepth            prometheus.Gauge
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task executions by type and outcome (done, retry, deferred, dead).",
		}, []string{"type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task handler latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		ProviderCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_usd_total",
			Help:      "Accumulated provider spend in USD.",
		}, []string{"provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"provider"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by source and ingest result.",
		}, []string{"source", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		RecordsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records created within the lookback window, by status.",
		}, []string{"status"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Dead-lettered tasks awaiting inspection.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TasksTotal,
		m.TaskDuration,
		m.ProviderCallsTotal,
		m.ProviderLatency,
		m.ProviderCostUSD,
		m.CircuitState,
		m.WebhooksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RecordsByStatus,
		m.DLQDepth,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTask implements queue.Observer.
func (m *Metrics) ObserveTask(taskType, outcome string, elapsed time.Duration) {
	m.TasksTotal.WithLabelValues(taskType, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// ObserveProviderCall implements provider.Recorder.
func (m *Metrics) ObserveProviderCall(provider, outcome string, elapsed time.Duration, costUSD float64) {
	m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if costUSD > 0 {
		m.ProviderCostUSD.WithLabelValues(provider).Add(costUSD)
	}
}

// ObserveWebhook counts one ingest result (accepted, duplicate, rejected).
func (m *Metrics) ObserveWebhook(source, result string) {
	m.WebhooksTotal.WithLabelValues(source, result).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CircuitChanged is a resilience OnStateChange hook.
func (m *Metrics) CircuitChanged(provider string, _, to resilience.CircuitState) {
	m.CircuitState.WithLabelValues(provider).Set(float64(to))
}

// ObserveSnapshot refreshes the gauges derived from a health snapshot.
func (m *Metrics) ObserveSnapshot(snap *MetricsSnapshot) {
	m.RecordsByStatus.WithLabelValues(string(model.StatusPending)).Set(float64(snap.RecordsPending))
	m.RecordsByStatus.WithLabelValues(string(model.StatusProcessing)).Set(float64(snap.RecordsProcessing))
	m.RecordsByStatus.WithLabelValues(string(model.StatusCompleted)).Set(float64(snap.RecordsCompleted))
	m.RecordsByStatus.WithLabelValues(string(model.StatusFailed)).Set(float64(snap.RecordsFailed))
	m.DLQDepth.Set(float64(snap.DLQDepth))
}
