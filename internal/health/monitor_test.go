package health_test

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntonix/internal/health"
	"ntonix/internal/types"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})    {}
func (nopLogger) Info(string, ...interface{})     {}
func (nopLogger) Warn(string, ...interface{})     {}
func (nopLogger) Error(string, ...interface{})    {}
func (l nopLogger) With(...interface{}) types.Logger { return l }

func backendFor(t *testing.T, srv *httptest.Server) types.Backend {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	var port uint16
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return types.Backend{Host: host, Port: port, Weight: 1}
}

func TestNewBackendStartsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.New(health.Config{
		Interval: time.Hour, Timeout: time.Second,
		UnhealthyThreshold: 2, HealthyThreshold: 2,
	}, nopLogger{})
	b := backendFor(t, srv)
	m.SetBackends([]types.Backend{b})

	assert.True(t, m.IsHealthy(b))
	assert.ElementsMatch(t, []types.Backend{b}, m.HealthyBackends())
}

func TestUnhealthyThresholdTripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := health.New(health.Config{
		Interval: 20 * time.Millisecond, Timeout: time.Second,
		UnhealthyThreshold: 2, HealthyThreshold: 2,
	}, nopLogger{})
	b := backendFor(t, srv)
	m.SetBackends([]types.Backend{b})

	var transitions int32
	m.OnStateChange(func(backend types.Backend, old, newState types.HealthState) {
		atomic.AddInt32(&transitions, 1)
	})

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return !m.IsHealthy(b)
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&transitions), int32(1))
}

func TestSetDrainingOverridesProbeResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.New(health.Config{
		Interval: time.Hour, Timeout: time.Second,
		UnhealthyThreshold: 1, HealthyThreshold: 1,
	}, nopLogger{})
	b := backendFor(t, srv)
	m.SetBackends([]types.Backend{b})

	m.SetDraining(b, true)
	assert.False(t, m.IsHealthy(b))
	assert.Empty(t, m.HealthyBackends())

	m.SetDraining(b, false)
	assert.True(t, m.IsHealthy(b))
}

func TestSetBackendsPreservesStateForUnchangedKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.New(health.Config{
		Interval: time.Hour, Timeout: time.Second,
		UnhealthyThreshold: 1, HealthyThreshold: 1,
	}, nopLogger{})
	a := backendFor(t, srv)
	other := types.Backend{Host: "127.0.0.1", Port: 1, Weight: 1}

	m.SetBackends([]types.Backend{a})
	m.SetDraining(a, true)

	m.SetBackends([]types.Backend{a, other})
	assert.False(t, m.IsHealthy(a), "draining state must survive a reconcile that keeps the key")
}

func TestOnStateChangeListenerPanicDoesNotCrashDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := health.New(health.Config{
		Interval: time.Hour, Timeout: time.Second,
		UnhealthyThreshold: 1, HealthyThreshold: 1,
	}, nopLogger{})
	b := backendFor(t, srv)
	m.SetBackends([]types.Backend{b})

	var wg sync.WaitGroup
	wg.Add(1)
	m.OnStateChange(func(types.Backend, types.HealthState, types.HealthState) {
		defer wg.Done()
		panic("listener blew up")
	})

	m.SetDraining(b, true)
	wg.Wait()
	assert.False(t, m.IsHealthy(b))
}
