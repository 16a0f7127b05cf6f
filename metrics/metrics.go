// Package metrics is the optional observability surface over the job
// queue and limiters: queue depth, in-flight jobs, and output-cache hit
// ratio. A NoopMetrics default keeps the core free of a hard dependency
// on Prometheus being configured, mirroring the teacher's nil-safe
// graph.Tracer ("if r.tracer != nil").
package metrics

// Metrics is the narrow set of observations for the job queue, limiters,
// and output cache. Those packages do not call it themselves; a caller
// records observations through it. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// SetQueueDepth records the count of non-terminal jobs for a queue.
	SetQueueDepth(queueName string, depth int)
	// SetInFlight records the count of jobs currently PROCESSING.
	SetInFlight(queueName string, count int)
	// IncJobsTotal counts one job reaching a terminal status.
	IncJobsTotal(queueName, status string)
	// ObserveJobDurationSeconds records wall time from PROCESSING to terminal.
	ObserveJobDurationSeconds(queueName, status string, seconds float64)
	// IncCacheHit/IncCacheMiss count output-cache lookups.
	IncCacheHit(cacheName string)
	IncCacheMiss(cacheName string)
	// SetLimiterAvailable records whether a named limiter currently
	// admits new work (1) or is saturated (0).
	SetLimiterAvailable(limiterName string, available bool)
}

// NoopMetrics discards every observation. The zero value is ready to
// use.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) SetQueueDepth(string, int)                       {}
func (NoopMetrics) SetInFlight(string, int)                         {}
func (NoopMetrics) IncJobsTotal(string, string)                     {}
func (NoopMetrics) ObserveJobDurationSeconds(string, string, float64) {}
func (NoopMetrics) IncCacheHit(string)                              {}
func (NoopMetrics) IncCacheMiss(string)                             {}
func (NoopMetrics) SetLimiterAvailable(string, bool)                {}
