// Package types defines the core data types and capability interfaces
// shared across the gateway's components.
package types

import (
	"net/http"
	"time"
)

// Selector chooses one backend per call under a weighted policy,
// restricted to backends currently in the Healthy state.
type Selector interface {
	Select() (Backend, bool)
	SetBackends(backends []Backend)
}

// HealthMonitor maintains the 3-state hysteresis machine for a set of
// backends and notifies listeners on transitions.
type HealthMonitor interface {
	SetBackends(backends []Backend)
	Start()
	Stop()
	HealthyBackends() []Backend
	IsHealthy(b Backend) bool
	SetDraining(b Backend, draining bool)
	OnStateChange(cb StateChangeFunc)
}

// StateChangeFunc is invoked outside any internal lock on every state
// transition.
type StateChangeFunc func(backend Backend, old, new HealthState)

// Middleware wraps HTTP handlers.
type Middleware func(http.Handler) http.Handler

// MiddlewareChain manages middleware execution order.
type MiddlewareChain interface {
	Use(middleware ...Middleware)
	Then(handler http.Handler) http.Handler
}

// MetricsCollector gathers performance metrics for the pipeline and its
// components. The core accepts this as an injected capability so tests can
// substitute a no-op implementation.
type MetricsCollector interface {
	RecordRequest(route string, statusCode int, duration time.Duration)
	RecordBackendLatency(backend string, duration time.Duration)
	RecordPoolCheckout(backend string, ok bool)
	RecordCacheResult(hit bool)
	Handler() http.Handler
}

// Logger provides structured logging. The zap-backed implementation lives
// in cmd/ntonix; components only depend on this interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}
