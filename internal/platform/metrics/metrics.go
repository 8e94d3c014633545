package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omicsflow"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	validationIssues   *prometheus.CounterVec
	auditFindings      *prometheus.CounterVec
	resolutions        *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	classifications    *prometheus.CounterVec
	serviceCalls       *prometheus.CounterVec
	serviceCallLatency *prometheus.HistogramVec
}

func New(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "Count of processed HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "Latency distribution of HTTP handlers",
			Buckets:     histogramBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		validationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bundle_validation_issues_total",
			Help:        "Structural bundle issues found, by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		auditFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "resource_audit_findings_total",
			Help:        "Resource audit findings, by kind and field",
			ConstLabels: constLabels,
		}, []string{"kind", "field"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reference_resolutions_total",
			Help:        "Container reference resolutions, by rule tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "version_transitions_total",
			Help:        "Applied workflow version state transitions, by target state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "run_failure_classifications_total",
			Help:        "Run failure diagnoses, by category",
			ConstLabels: constLabels,
		}, []string{"category"}),
		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "service_calls_total",
			Help:        "Calls to the workflow service, by operation and outcome",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		serviceCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "service_call_duration_seconds",
			Help:        "Latency of workflow service calls including retries",
			Buckets:     histogramBuckets,
			ConstLabels: constLabels,
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestDuration,
		m.validationIssues,
		m.auditFindings,
		m.resolutions,
		m.transitions,
		m.classifications,
		m.serviceCalls,
		m.serviceCallLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ValidationIssue(kind string) {
	if m == nil {
		return
	}
	m.validationIssues.WithLabelValues(kind).Inc()
}

func (m *Metrics) AuditFinding(kind, field string) {
	if m == nil {
		return
	}
	m.auditFindings.WithLabelValues(kind, field).Inc()
}

func (m *Metrics) Resolution(tier string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(tier).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Classification(category string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(category).Inc()
}

func (m *Metrics) ServiceCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.serviceCalls.WithLabelValues(operation, outcome).Inc()
	m.serviceCallLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Instrument records request counts and latency. The route label is the
// matched ServeMux pattern so path parameters do not inflate cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(recorder.status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
