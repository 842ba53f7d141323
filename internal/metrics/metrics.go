// Package metrics defines the Prometheus instrumentation shared by the
// services. All collectors register on an injected Registerer so tests can
// use an isolated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the platform exports.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ValidationsTotal   *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	ValidationRetries  prometheus.Histogram

	ClassificationsTotal *prometheus.CounterVec

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge

	K8sJobsTotal   *prometheus.CounterVec
	K8sJobDuration prometheus.Histogram

	ErrorsTotal   *prometheus.CounterVec
	ServiceHealth *prometheus.GaugeVec
}

// New builds the collector set on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_requests_total",
			Help: "HTTP requests handled, by method, path and status code.",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codexec_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ValidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_validations_total",
			Help: "Code validations performed, by result.",
		}, []string{"result"}),
		ValidationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "codexec_validation_duration_seconds",
			Help:    "Time spent validating generated code.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}),
		ValidationRetries: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "codexec_validation_retries",
			Help:    "Correction attempts needed before a verdict.",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}),

		ClassificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_classifications_total",
			Help: "Complexity classifications, by outcome.",
		}, []string{"complexity"}),

		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_executions_total",
			Help: "Sandbox executions, by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codexec_execution_duration_seconds",
			Help:    "Wall-clock duration of executions.",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"lane"}),
		ExecutionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codexec_executions_active",
			Help: "Executions currently in flight.",
		}),

		K8sJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_k8s_jobs_total",
			Help: "Cluster jobs submitted, by terminal outcome.",
		}, []string{"outcome"}),
		K8sJobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "codexec_k8s_job_duration_seconds",
			Help:    "Cluster job runtime from creation to completion.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codexec_errors_total",
			Help: "Errors encountered, by component and kind.",
		}, []string{"component", "kind"}),
		ServiceHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codexec_service_health",
			Help: "1 when the named dependency is reachable, 0 otherwise.",
		}, []string{"dependency"}),
	}
}
