package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopMetrics_NeverPanics(t *testing.T) {
	var m NoopMetrics
	m.SetQueueDepth("q", 5)
	m.SetInFlight("q", 2)
	m.IncJobsTotal("q", "COMPLETED")
	m.ObserveJobDurationSeconds("q", "COMPLETED", 1.5)
	m.IncCacheHit("c")
	m.IncCacheMiss("c")
	m.SetLimiterAvailable("l", true)
}

func TestPrometheusMetrics_ExportsScrapedSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.SetQueueDepth("default", 7)
	m.IncJobsTotal("default", "COMPLETED")
	m.IncJobsTotal("default", "COMPLETED")
	m.IncCacheHit("output")
	m.SetLimiterAvailable("openai", false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `taskgraph_jobqueue_depth{queue="default"} 7`)
	assert.Contains(t, body, `taskgraph_jobqueue_jobs_total{queue="default",status="COMPLETED"} 2`)
	assert.Contains(t, body, `taskgraph_outputcache_hits_total{cache="output"} 1`)
	assert.True(t, strings.Contains(body, `taskgraph_limiter_available{limiter="openai"} 0`))
}

func TestNewPrometheusMetrics_NilRegistryBuildsOwnRegistry(t *testing.T) {
	m := NewPrometheusMetrics(nil)
	require.NotNil(t, m.Registry())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotNil(t, families) // collectors registered even with zero observations
}
