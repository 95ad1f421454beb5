// Package pipeline implements the request pipeline (C7): it routes
// incoming requests by method and path, and for the forwarding route
// applies the classify -> cache lookup -> select -> forward -> cache
// store -> respond state machine tying together the registry, health
// monitor, selector, breaker, pool and cache.
package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"ntonix/internal/cache"
	"ntonix/internal/forwarder"
	"ntonix/internal/types"
)

const chatCompletionsPath = "/v1/chat/completions"

// Selector chooses a backend from the currently healthy set (C3). It also
// exposes the full healthy set itself, so the pipeline can tell NoBackends
// (every healthy backend's forward breaker is open) apart from
// ConnectFailed/ReadFailed/Timeout on a single forward attempt.
type Selector interface {
	Select() (types.Backend, bool)
	HealthyBackends() []types.Backend
}

// Pipeline is the top-level HTTP handler (C7).
type Pipeline struct {
	selector  Selector
	forwarder *forwarder.Forwarder
	cache     *cache.Cache
	logger    types.Logger
	metrics   types.MetricsCollector
}

// Config bundles the collaborators a Pipeline ties together.
type Config struct {
	Selector  Selector
	Forwarder *forwarder.Forwarder
	Cache     *cache.Cache
	Logger    types.Logger
	Metrics   types.MetricsCollector
}

// New creates a request pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		selector:  cfg.Selector,
		forwarder: cfg.Forwarder,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// ServeHTTP implements http.Handler, dispatching on method+path per
// SPEC_FULL.md §4.7.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	if !isSupportedProtoVersion(r) {
		writeJSONErrorForErr(rec, types.NewGatewayError(types.KindUnsupportedVersion, "",
			fmt.Errorf("unsupported protocol version HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor)))
		if p.metrics != nil {
			p.metrics.RecordRequest(string(routeUnsupportedVersion), rec.statusCode, time.Since(start))
		}
		return
	}

	route := classify(r)

	switch route {
	case routeBanner:
		p.serveBanner(rec)
	case routeHealth:
		p.serveHealth(rec)
	case routeCacheStats:
		p.serveCacheStats(rec)
	case routeChatCompletions:
		p.serveChatCompletions(rec, r)
	default:
		writeJSONError(rec, http.StatusNotFound, "not found")
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(string(route), rec.statusCode, time.Since(start))
	}
}

// statusRecorder captures the status code written through it so
// ServeHTTP can report it to the metrics collector after the handler
// returns, without the handlers themselves needing to track it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.statusCode = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// Flush satisfies http.Flusher so the forwarder's streaming relay can
// still flush through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type route string

const (
	routeBanner             route = "banner"
	routeHealth             route = "health"
	routeCacheStats         route = "cache_stats"
	routeChatCompletions    route = "chat_completions"
	routeNotFound           route = "not_found"
	routeUnsupportedVersion route = "unsupported_version"
)

// isSupportedProtoVersion rejects anything other than HTTP/1.x. NTONIX's
// listener (internal/server) never negotiates HTTP/2 or h2c, so a
// ProtoMajor of 2 can only mean a misbehaving or spoofing client.
func isSupportedProtoVersion(r *http.Request) bool {
	return r.ProtoMajor == 1
}

func classify(r *http.Request) route {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		return routeBanner
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		return routeHealth
	case r.Method == http.MethodGet && r.URL.Path == "/cache/stats":
		return routeCacheStats
	case r.Method == http.MethodPost && r.URL.Path == chatCompletionsPath:
		return routeChatCompletions
	default:
		return routeNotFound
	}
}

func (p *Pipeline) serveBanner(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "ntonix",
		"endpoints": []string{
			"GET /",
			"GET /health",
			"GET /cache/stats",
			"POST " + chatCompletionsPath,
		},
	})
}

func (p *Pipeline) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// resourceSnapshotter is implemented optionally by the injected
// MetricsCollector (internal/metrics.Collector does) to surface
// process-level resource usage alongside cache stats.
type resourceSnapshotter interface {
	ResourceSnapshot() (cpuPercent, memUsedMB float64)
}

func (p *Pipeline) serveCacheStats(w http.ResponseWriter) {
	stats := p.cache.Stats()
	body := map[string]any{
		"hits":           stats.Hits,
		"misses":         stats.Misses,
		"evictions":      stats.Evictions,
		"expired":        stats.Expired,
		"entries":        stats.Entries,
		"size_bytes":     stats.SizeBytes,
		"max_size_bytes": stats.MaxSizeBytes,
		"hit_rate":       stats.HitRate(),
	}
	if rs, ok := p.metrics.(resourceSnapshotter); ok {
		cpuPercent, memUsedMB := rs.ResourceSnapshot()
		body["process_cpu_percent"] = cpuPercent
		body["process_memory_used_mb"] = memUsedMB
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Pipeline) serveChatCompletions(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	bypass := cache.ShouldBypass(r.Header.Get("Cache-Control"))
	streaming := isStreamingRequestBody(body) || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	key := cache.NewKey(r.Method, r.URL.RequestURI(), string(body))

	if !bypass && !streaming {
		if entry, ok := p.cache.Get(key); ok {
			p.writeCached(w, entry)
			if p.metrics != nil {
				p.metrics.RecordCacheResult(true)
			}
			return
		}
	}
	if p.metrics != nil && !bypass && !streaming {
		p.metrics.RecordCacheResult(false)
	}

	backend, ok := p.selector.Select()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "No healthy backends available")
		return
	}

	// Select() only consults Health; a backend can be Healthy and still
	// have its forward breaker open. If every Healthy backend is
	// breaker-tripped, that's the aggregate NoBackends case (503), not a
	// single-attempt ConnectFailed/Timeout (502/504) from forwarding to
	// one of them anyway.
	if p.forwarder.AllBreakersOpen(p.selector.HealthyBackends()) {
		writeJSONError(w, http.StatusServiceUnavailable, "No healthy backends available")
		return
	}

	clientIP := clientIPFromRequest(r)
	requestID := p.forwarder.ResolveRequestID(r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	result := p.forwarder.Forward(w, r, body, backend, clientIP, requestID)
	if p.metrics != nil {
		p.metrics.RecordBackendLatency(backend.Key(), result.Latency)
	}

	if result.Err != nil {
		p.logger.Warn("forward failed", "backend", backend.Key(), "error", result.Err)
		writeJSONErrorForErr(w, result.Err)
		return
	}

	if result.Streamed {
		// The forwarder already wrote status, headers and body directly to
		// w as it streamed; streaming responses are never cached.
		return
	}

	w.Header().Set("X-Cache", "MISS")
	for k, values := range result.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)

	if !bypass && !streaming && result.StatusCode >= 200 && result.StatusCode < 300 {
		p.cache.Put(key, result.Body, result.ContentType)
	}
}

func (p *Pipeline) writeCached(w http.ResponseWriter, entry cache.Entry) {
	w.Header().Set("X-Cache", "HIT")
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)
}

// streamTrue matches an OpenAI-style "stream": true field, with any
// whitespace around the colon.
var streamTrue = regexp.MustCompile(`"stream"\s*:\s*true`)

func isStreamingRequestBody(body []byte) bool {
	return streamTrue.Match(body)
}

func clientIPFromRequest(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONErrorForErr(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if gwErr, ok := err.(*types.GatewayError); ok {
		status = types.StatusFor(gwErr.Kind)
	} else if err == types.ErrBreakerOpen {
		status = http.StatusBadGateway
	}
	writeJSONError(w, status, err.Error())
}
