// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Package lifecycle
	TransitionsTotal *prometheus.CounterVec
	PackagesByStatus *prometheus.GaugeVec

	// Task runner
	TasksTotal          *prometheus.CounterVec
	TaskDurationSeconds *prometheus.HistogramVec
	QueuePending        prometheus.Gauge
	QueueDeferred       prometheus.Gauge
	QueueFailed         prometheus.Gauge

	// Providers
	RenderJobsTotal  *prometheus.CounterVec
	DeliveriesTotal  *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_transitions_total",
				Help: "Total number of package status transitions",
			},
			[]string{"status"},
		),
		PackagesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "packline_packages",
				Help: "Number of packages currently in each status",
			},
			[]string{"status"},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_tasks_total",
				Help: "Total number of executed pipeline tasks",
			},
			[]string{"type", "result"},
		),
		TaskDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "packline_task_duration_seconds",
				Help:    "Pipeline task execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packline_queue_pending",
			Help: "Number of tasks waiting for a worker",
		}),
		QueueDeferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packline_queue_deferred",
			Help: "Number of tasks scheduled for a future time",
		}),
		QueueFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packline_queue_failed",
			Help: "Number of tasks parked in the dead letter queue",
		}),

		RenderJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_render_jobs_total",
				Help: "Total number of video render submissions",
			},
			[]string{"backend", "result"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_deliveries_total",
				Help: "Total number of package deliveries",
			},
			[]string{"channel", "result"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "packline_api_request_duration_seconds",
				Help:    "API request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packline_api_errors_total",
				Help: "Total number of API error responses",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packline_uptime_seconds",
			Help: "Seconds since the process started",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packline_goroutines",
			Help: "Number of goroutines",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.PackagesByStatus,
		m.TasksTotal,
		m.TaskDurationSeconds,
		m.QueuePending,
		m.QueueDeferred,
		m.QueueFailed,
		m.RenderJobsTotal,
		m.DeliveriesTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal installs m as the process-wide metrics instance.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metrics instance, or nil.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncTransition records a package moving into status.
func IncTransition(status string) {
	if m := Global(); m != nil {
		m.TransitionsTotal.WithLabelValues(status).Inc()
	}
}

// IncTask records a finished task execution.
func IncTask(taskType, result string) {
	if m := Global(); m != nil {
		m.TasksTotal.WithLabelValues(taskType, result).Inc()
	}
}

// IncRenderJob records a render submission outcome.
func IncRenderJob(backend, result string) {
	if m := Global(); m != nil {
		m.RenderJobsTotal.WithLabelValues(backend, result).Inc()
	}
}

// IncDelivery records a delivery attempt outcome per channel.
func IncDelivery(channel, result string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
	}
}
