// Package metrics implements the ambient Prometheus metrics collector
// injected into the pipeline, plus a gopsutil-backed process resource
// gauge surfaced through the cache stats diagnostics endpoint.
package metrics

import (
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"ntonix/internal/types"
)

// Collector implements types.MetricsCollector using a dedicated
// Prometheus registry (rather than the global one) so multiple Collector
// instances, e.g. across tests, never collide on metric registration.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendLatency  *prometheus.HistogramVec
	poolCheckouts   *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	cpuPercent atomic.Uint64 // float64 bits, via math.Float64bits
	memUsedMB  atomic.Uint64

	stopCh chan struct{}
}

// New creates a Collector and starts its background resource sampler.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ntonix_requests_total",
			Help: "Total number of requests handled by the pipeline, by route and status.",
		}, []string{"route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ntonix_request_duration_seconds",
			Help:    "Pipeline request duration in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		backendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ntonix_backend_latency_seconds",
			Help:    "Forwarder round-trip latency to a backend, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		poolCheckouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ntonix_pool_checkouts_total",
			Help: "Connection pool checkout attempts, by backend and outcome.",
		}, []string{"backend", "ok"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ntonix_cache_hits_total",
			Help: "Response cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ntonix_cache_misses_total",
			Help: "Response cache misses.",
		}),
		stopCh: make(chan struct{}),
	}

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ntonix_process_cpu_percent",
		Help: "System-wide CPU utilization percent, sampled every 2s via gopsutil.",
	}, func() float64 { return c.cpuPercentValue() }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ntonix_process_memory_used_mb",
		Help: "System memory used in MB, sampled every 2s via gopsutil.",
	}, func() float64 { return c.memUsedMBValue() }))

	go c.sampleResources()
	return c
}

// RecordRequest records one pipeline request.
func (c *Collector) RecordRequest(route string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	c.requestsTotal.WithLabelValues(route, status).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordBackendLatency records one forward round-trip's latency.
func (c *Collector) RecordBackendLatency(backend string, duration time.Duration) {
	c.backendLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordPoolCheckout records one connection pool checkout attempt.
func (c *Collector) RecordPoolCheckout(backend string, ok bool) {
	c.poolCheckouts.WithLabelValues(backend, strconv.FormatBool(ok)).Inc()
}

// RecordCacheResult records one cache lookup outcome.
func (c *Collector) RecordCacheResult(hit bool) {
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// Handler returns the Prometheus scrape endpoint for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ResourceSnapshot returns the most recently sampled CPU percent and
// memory usage in MB, for the /cache/stats diagnostics endpoint.
func (c *Collector) ResourceSnapshot() (cpuPercent, memUsedMB float64) {
	return c.cpuPercentValue(), c.memUsedMBValue()
}

func (c *Collector) cpuPercentValue() float64 {
	return math.Float64frombits(c.cpuPercent.Load())
}

func (c *Collector) memUsedMBValue() float64 {
	return math.Float64frombits(c.memUsedMB.Load())
}

func (c *Collector) sampleResources() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
				c.cpuPercent.Store(math.Float64bits(percent[0]))
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				c.memUsedMB.Store(math.Float64bits(float64(vm.Used) / 1024 / 1024))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the background resource sampler.
func (c *Collector) Stop() {
	close(c.stopCh)
}

var _ types.MetricsCollector = (*Collector)(nil)
