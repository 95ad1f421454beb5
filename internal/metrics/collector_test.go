package metrics_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ntonix/internal/metrics"
)

func TestRecordRequestExposedOnScrapeEndpoint(t *testing.T) {
	c := metrics.New()
	defer c.Stop()

	c.RecordRequest("chat_completions", 200, 12*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "ntonix_requests_total")
	assert.Contains(t, rec.Body.String(), `route="chat_completions"`)
}

func TestRecordCacheResultIncrementsHitsAndMisses(t *testing.T) {
	c := metrics.New()
	defer c.Stop()

	c.RecordCacheResult(true)
	c.RecordCacheResult(false)
	c.RecordCacheResult(false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	assert.Contains(t, body, "ntonix_cache_hits_total 1")
	assert.Contains(t, body, "ntonix_cache_misses_total 2")
}

func TestIndependentCollectorsDoNotCollideOnRegistration(t *testing.T) {
	a := metrics.New()
	defer a.Stop()
	b := metrics.New()
	defer b.Stop()

	a.RecordRequest("health", 200, time.Millisecond)
	b.RecordRequest("health", 500, time.Millisecond)

	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, httptest.NewRequest("GET", "/metrics", nil))
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, recA.Body.String(), `status="200"`)
	assert.Contains(t, recB.Body.String(), `status="500"`)
}

func TestResourceSnapshotReturnsFiniteValues(t *testing.T) {
	c := metrics.New()
	defer c.Stop()

	cpuPercent, memUsedMB := c.ResourceSnapshot()
	assert.GreaterOrEqual(t, cpuPercent, 0.0)
	assert.GreaterOrEqual(t, memUsedMB, 0.0)
}
