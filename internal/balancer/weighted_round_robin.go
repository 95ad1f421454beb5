// Package balancer implements the SWRR selector (C3): smooth weighted
// round-robin restricted to the currently Healthy backend set.
package balancer

import (
	"sync"

	"ntonix/internal/types"
)

// HealthSource reports which backends are currently Healthy, in registry
// order. *health.Monitor satisfies this.
type HealthSource interface {
	HealthyBackends() []types.Backend
}

// entry tracks one backend's running weight, indexed by registry position
// so ties break on lowest registry index deterministically, per
// SPEC_FULL.md §4.3.
type entry struct {
	backend       types.Backend
	currentWeight int64
}

// Selector implements types.Selector via the smooth weighted round-robin
// algorithm, grounded on the teacher's smoothWeightedRoundRobin.Select,
// adapted to iterate an ordered slice instead of a map (for deterministic
// tie-break) and to source its candidate health from a HealthMonitor
// instead of tracking health itself. current_weight state is keyed off
// the full registry, not the healthy subset, so it survives a backend
// flapping in and out of Healthy and is destroyed only when the backend
// itself leaves the registry (SetBackends) — matching
// load_balancer.cpp's select_backend(), which keeps BackendState for
// every registered backend and only skips the weight increment while
// unhealthy.
type Selector struct {
	health HealthSource

	mu      sync.Mutex
	order   []string // registry-ordered backend keys, for deterministic tie-break
	entries map[string]*entry
}

// NewSelector creates a selector backed by the given health source.
func NewSelector(health HealthSource) *Selector {
	return &Selector{health: health, entries: make(map[string]*entry)}
}

// SetBackends reconciles the selector's persistent weight state against
// the full registry list. A backend present in both the old and new list
// keeps its current_weight; a backend dropped from the registry has its
// entry destroyed; a newly added backend starts at current_weight 0.
func (s *Selector) SetBackends(backends []types.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(backends))
	keep := make(map[string]bool, len(backends))
	for _, b := range backends {
		key := b.Key()
		order = append(order, key)
		keep[key] = true
		if e, ok := s.entries[key]; ok {
			e.backend = b
		} else {
			s.entries[key] = &entry{backend: b}
		}
	}
	for key := range s.entries {
		if !keep[key] {
			delete(s.entries, key)
		}
	}
	s.order = order
}

// HealthyBackends passes through the health source's current Healthy set,
// so callers can distinguish "no backend is Healthy" from "every Healthy
// backend is breaker-tripped" without reaching into the health monitor
// directly.
func (s *Selector) HealthyBackends() []types.Backend {
	return s.health.HealthyBackends()
}

// Select returns one backend under SWRR, or false if no backend is
// currently Healthy.
func (s *Selector) Select() (types.Backend, bool) {
	healthy := s.health.HealthyBackends()
	if len(healthy) == 0 {
		return types.Backend{}, false
	}
	healthySet := make(map[string]bool, len(healthy))
	for _, b := range healthy {
		healthySet[b.Key()] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureEntries(healthy)

	var total int64
	var winner *entry
	for _, key := range s.order {
		e, ok := s.entries[key]
		if !ok || !healthySet[key] {
			continue // unhealthy entries keep their current_weight untouched
		}
		w := int64(e.backend.Weight)
		if w <= 0 {
			w = 1
		}
		e.currentWeight += w
		total += w
		if winner == nil || e.currentWeight > winner.currentWeight {
			winner = e
		}
	}
	if winner == nil {
		return types.Backend{}, false
	}
	winner.currentWeight -= total
	return winner.backend, true
}

// ensureEntries adds an entry (and appends to the registry order) for any
// healthy backend SetBackends hasn't seen yet, so the selector still works
// correctly if the caller never wires SetBackends at all.
func (s *Selector) ensureEntries(healthy []types.Backend) {
	for _, b := range healthy {
		key := b.Key()
		if _, ok := s.entries[key]; ok {
			continue
		}
		s.entries[key] = &entry{backend: b}
		s.order = append(s.order, key)
	}
}

var _ types.Selector = (*Selector)(nil)
