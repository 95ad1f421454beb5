// Package breaker implements the supplemental per-backend forward breaker
// (C8): a fast-trip circuit breaker wrapping the request forwarder's calls
// to a backend, independent of and faster than the health monitor's own
// hysteresis (C2).
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"ntonix/internal/types"
)

// Config controls trip threshold and cooldown.
type Config struct {
	Enabled       bool
	TripThreshold uint32
	Cooldown      time.Duration
}

// Manager lazily creates and holds one gobreaker.CircuitBreaker per
// backend, following the teacher's MultiCircuitBreaker double-checked
// locking pattern.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a breaker manager. If cfg.Enabled is false, Execute always
// runs fn directly with no tripping.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *Manager) get(backend string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[backend]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[backend]; ok {
		return b
	}

	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.TripThreshold
		},
	})
	m.breakers[backend] = b
	return b
}

// Execute runs fn under the named backend's breaker. If the breaker is
// open (or half-open with its single probe already in flight), fn is not
// called and Execute translates gobreaker's ErrOpenState/ErrTooManyRequests
// into types.ErrBreakerOpen.
func (m *Manager) Execute(backend string, fn func() error) error {
	if !m.cfg.Enabled {
		return fn()
	}
	b := m.get(backend)
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return types.ErrBreakerOpen
	}
	return err
}

// Remove drops the breaker state for a backend no longer in the registry.
func (m *Manager) Remove(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, backend)
}

// Reconcile drops breaker state for backends absent from the current set.
func (m *Manager) Reconcile(backends []types.Backend) {
	keep := make(map[string]bool, len(backends))
	for _, b := range backends {
		keep[b.Key()] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.breakers {
		if !keep[key] {
			delete(m.breakers, key)
		}
	}
}

// State returns the current breaker state name for a backend, for
// diagnostics.
func (m *Manager) State(backend string) string {
	m.mu.RLock()
	b, ok := m.breakers[backend]
	m.mu.RUnlock()
	if !ok {
		return "closed"
	}
	switch b.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
