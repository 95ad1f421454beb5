package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntonix/internal/middleware"
	"ntonix/internal/types"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Debug(msg string, fields ...interface{}) { l.record(msg) }
func (l *recordingLogger) Info(msg string, fields ...interface{})  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, fields ...interface{})  { l.record(msg) }
func (l *recordingLogger) Error(msg string, fields ...interface{}) { l.record(msg) }
func (l *recordingLogger) With(fields ...interface{}) types.Logger { return l }

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestChainAppliesMiddlewareInOrderAdded(t *testing.T) {
	var order []string
	mark := func(name string) types.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	chain := middleware.NewChain(mark("first"), mark("second"))
	chain.Use(mark("third"))
	handler := chain.Then(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersSetsHardeningHeaders(t *testing.T) {
	handler := middleware.SecurityHeaders()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestServerHeaderSetsName(t *testing.T) {
	handler := middleware.ServerHeader("ntonix")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "ntonix", rec.Header().Get("Server"))
}

func TestAccessLoggingRecordsOneLinePerRequest(t *testing.T) {
	logger := &recordingLogger{}
	handler := middleware.AccessLogging(logger)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 1, logger.count())
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	cfg := types.ProxyConfig{}
	cfg.RateLimit.Enabled = false
	handler := middleware.RateLimit(cfg)(okHandler())

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitEnabledRejectsBurstOverflow(t *testing.T) {
	cfg := types.ProxyConfig{}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 2
	handler := middleware.RateLimit(cfg)(okHandler())

	var statuses []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	assert.Contains(t, statuses, http.StatusTooManyRequests)
}

func TestRateLimitTracksClientsIndependently(t *testing.T) {
	cfg := types.ProxyConfig{}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1
	handler := middleware.RateLimit(cfg)(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.RemoteAddr = "10.0.0.3:1111"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "10.0.0.4:2222"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code, "a distinct client IP must get its own bucket")
}

func TestRateLimitHonorsForwardedForHeader(t *testing.T) {
	cfg := types.ProxyConfig{}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1
	handler := middleware.RateLimit(cfg)(okHandler())

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.5:1234"
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
		return req
	}

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, newReq())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, newReq())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code, "same forwarded client must share one bucket")
}
