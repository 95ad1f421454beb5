package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntonix/internal/breaker"
	"ntonix/internal/types"
)

var errBackend = errors.New("backend failure")

func TestDisabledBreakerAlwaysCallsFn(t *testing.T) {
	m := breaker.New(breaker.Config{Enabled: false})
	for i := 0; i < 10; i++ {
		err := m.Execute("b1", func() error { return errBackend })
		assert.Equal(t, errBackend, err)
	}
	assert.Equal(t, "closed", m.State("b1"))
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	m := breaker.New(breaker.Config{Enabled: true, TripThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		err := m.Execute("b1", func() error { return errBackend })
		assert.Equal(t, errBackend, err)
	}

	err := m.Execute("b1", func() error {
		t.Fatal("fn must not run while breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, types.ErrBreakerOpen)
	assert.Equal(t, "open", m.State("b1"))
}

func TestBreakerIsolatedPerBackend(t *testing.T) {
	m := breaker.New(breaker.Config{Enabled: true, TripThreshold: 1, Cooldown: time.Minute})

	err := m.Execute("b1", func() error { return errBackend })
	require.Equal(t, errBackend, err)
	assert.Equal(t, "open", m.State("b1"))

	called := false
	err = m.Execute("b2", func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "closed", m.State("b2"))
}

func TestReconcileDropsBreakersForRemovedBackends(t *testing.T) {
	m := breaker.New(breaker.Config{Enabled: true, TripThreshold: 1, Cooldown: time.Minute})

	_ = m.Execute("b1", func() error { return errBackend })
	assert.Equal(t, "open", m.State("b1"))

	m.Reconcile([]types.Backend{{Host: "b2", Port: 1, Weight: 1}})
	assert.Equal(t, "closed", m.State("b1"), "state for a dropped backend resets since its breaker was removed")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := breaker.New(breaker.Config{Enabled: true, TripThreshold: 2, Cooldown: time.Minute})

	_ = m.Execute("b1", func() error { return errBackend })
	_ = m.Execute("b1", func() error { return nil })
	_ = m.Execute("b1", func() error { return errBackend })

	assert.Equal(t, "closed", m.State("b1"))
}
