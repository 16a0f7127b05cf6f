package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exports queue/limiter/cache observations as
// Prometheus collectors. Grounded on 88lin-divinesense's
// ai/metrics.PrometheusExporter: one registry, one vector per concern,
// labeled by queue/limiter/cache name rather than registering a new
// collector per instance.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	queueDepth   *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	limiterAvail *prometheus.GaugeVec
}

// NewPrometheusMetrics builds a PrometheusMetrics registering its
// collectors against a fresh registry, or reg if non-nil.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &PrometheusMetrics{
		registry: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Subsystem: "jobqueue",
			Name:      "depth",
			Help:      "Count of non-terminal jobs in a queue.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Subsystem: "jobqueue",
			Name:      "in_flight",
			Help:      "Count of jobs currently PROCESSING in a queue.",
		}, []string{"queue"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "jobqueue",
			Name:      "jobs_total",
			Help:      "Total jobs reaching a terminal status, by queue and status.",
		}, []string{"queue", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Subsystem: "jobqueue",
			Name:      "job_duration_seconds",
			Help:      "Wall time from PROCESSING to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "outputcache",
			Name:      "hits_total",
			Help:      "Total output-cache hits.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "outputcache",
			Name:      "misses_total",
			Help:      "Total output-cache misses.",
		}, []string{"cache"}),
		limiterAvail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Subsystem: "limiter",
			Name:      "available",
			Help:      "Whether a limiter currently admits new work (1) or is saturated (0).",
		}, []string{"limiter"}),
	}
	reg.MustRegister(
		m.queueDepth, m.inFlight, m.jobsTotal, m.jobDuration,
		m.cacheHits, m.cacheMisses, m.limiterAvail,
	)
	return m
}

var _ Metrics = (*PrometheusMetrics)(nil)

func (m *PrometheusMetrics) SetQueueDepth(queueName string, depth int) {
	m.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}

func (m *PrometheusMetrics) SetInFlight(queueName string, count int) {
	m.inFlight.WithLabelValues(queueName).Set(float64(count))
}

func (m *PrometheusMetrics) IncJobsTotal(queueName, status string) {
	m.jobsTotal.WithLabelValues(queueName, status).Inc()
}

func (m *PrometheusMetrics) ObserveJobDurationSeconds(queueName, status string, seconds float64) {
	m.jobDuration.WithLabelValues(queueName, status).Observe(seconds)
}

func (m *PrometheusMetrics) IncCacheHit(cacheName string) {
	m.cacheHits.WithLabelValues(cacheName).Inc()
}

func (m *PrometheusMetrics) IncCacheMiss(cacheName string) {
	m.cacheMisses.WithLabelValues(cacheName).Inc()
}

func (m *PrometheusMetrics) SetLimiterAvailable(limiterName string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	m.limiterAvail.WithLabelValues(limiterName).Set(v)
}

// Handler exposes the registry in the Prometheus text exposition
// format, for mounting under a metrics HTTP endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}
