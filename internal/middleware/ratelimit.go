package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ntonix/internal/types"
)

// limiterEntry wraps a rate limiter with its last access time so idle
// per-client limiters can be swept.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// rateLimiter implements a per-client-IP token bucket, grounded on the
// teacher's per-key limiter map with a periodic idle sweep.
type rateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.RWMutex
	rps      int
	burst    int
	ttl      time.Duration
	stopCh   chan struct{}
}

// RateLimit creates the ambient per-client rate limiting middleware
// described by SPEC_FULL.md's rate_limit config block. If
// cfg.RateLimit.Enabled is false this returns a pass-through middleware.
func RateLimit(cfg types.ProxyConfig) types.Middleware {
	if !cfg.RateLimit.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	rl := &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      cfg.RateLimit.RequestsPerSecond,
		burst:    cfg.RateLimit.Burst,
		ttl:      5 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !rl.getLimiter(key).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	entry, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		entry.touch()
		return entry.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[key]; ok {
		entry.touch()
		return entry.limiter
	}
	entry = &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastAccess: time.Now(),
	}
	rl.limiters[key] = entry
	return entry.limiter
}

func (e *limiterEntry) touch() {
	e.mu.Lock()
	e.lastAccess = time.Now()
	e.mu.Unlock()
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *rateLimiter) sweep() {
	now := time.Now()
	var stale []string
	rl.mu.RLock()
	for key, entry := range rl.limiters {
		entry.mu.Lock()
		if now.Sub(entry.lastAccess) > rl.ttl {
			stale = append(stale, key)
		}
		entry.mu.Unlock()
	}
	rl.mu.RUnlock()
	if len(stale) == 0 {
		return
	}
	rl.mu.Lock()
	for _, key := range stale {
		if entry, ok := rl.limiters[key]; ok {
			entry.mu.Lock()
			expired := now.Sub(entry.lastAccess) > rl.ttl
			entry.mu.Unlock()
			if expired {
				delete(rl.limiters, key)
			}
		}
	}
	rl.mu.Unlock()
}

// Stop halts the idle-limiter sweep goroutine.
func (rl *rateLimiter) Stop() {
	close(rl.stopCh)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
