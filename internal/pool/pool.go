// Package pool implements the per-backend connection pool (C4): a
// LIFO cache of reusable TCP connections with RAII-style checkout,
// grounded on the NTONIX reference implementation's
// proxy::ConnectionPoolManager / BackendPool / ConnectionGuard, rendered
// in the teacher's mutex+atomic idiom.
package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ntonix/internal/types"
)

// Config mirrors SPEC_FULL.md §6's Pool configuration surface.
type Config struct {
	PoolSizePerBackend int
	IdleTimeout        time.Duration
	ConnectTimeout     time.Duration
	CleanupInterval    time.Duration
	EnableKeepAlive    bool
}

// pooledConn is an idle connection sitting in a backend's LIFO queue.
type pooledConn struct {
	conn       net.Conn
	lastUsed   time.Time
	usageCount uint64
}

// Guard is the RAII-style checkout handle returned by Checkout. Release
// must run on every code path (further calls are no-ops); callers should
// defer a call to guard.Release(reusable) immediately after checkout
// succeeds.
type Guard struct {
	conn       net.Conn
	backend    string
	pool       *backendPool
	released   int32 // atomic, guards against double release
	usageCount uint64
}

// Conn returns the underlying connection for reading/writing.
func (g *Guard) Conn() net.Conn { return g.conn }

// UsageCount returns how many times this connection has been checked out,
// including the current checkout.
func (g *Guard) UsageCount() uint64 { return g.usageCount }

// Release returns the connection to its pool. reusable=false discards it
// (e.g. after a write/read error or a streaming exchange, which HTTP/1.1
// semantics prohibit reusing). Safe to call multiple times; only the
// first call has an effect.
func (g *Guard) Release(reusable bool) {
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	g.pool.release(g, reusable)
}

// backendPool is the LIFO idle queue plus in-use counter for one backend.
type backendPool struct {
	backend types.Backend

	mu      sync.Mutex
	idle    []*pooledConn // LIFO: back of slice = MRU

	inUse        int64 // atomic
	totalCreated int64 // atomic

	connectTimeout  time.Duration
	enableKeepAlive bool
	maxSize         int
}

func newBackendPool(backend types.Backend, cfg Config) *backendPool {
	return &backendPool{
		backend:         backend,
		connectTimeout:  cfg.ConnectTimeout,
		enableKeepAlive: cfg.EnableKeepAlive,
		maxSize:         cfg.PoolSizePerBackend,
	}
}

func (bp *backendPool) checkout() (*Guard, error) {
	bp.mu.Lock()
	for len(bp.idle) > 0 {
		pc := bp.idle[len(bp.idle)-1]
		bp.idle = bp.idle[:len(bp.idle)-1]
		bp.mu.Unlock()

		if !connAlive(pc.conn) {
			pc.conn.Close()
			bp.mu.Lock()
			continue
		}
		atomic.AddInt64(&bp.inUse, 1)
		return &Guard{conn: pc.conn, backend: bp.backend.Key(), pool: bp, usageCount: pc.usageCount + 1}, nil
	}
	bp.mu.Unlock()

	if int(atomic.LoadInt64(&bp.inUse))+bp.idleLen() >= bp.maxSize {
		return nil, types.ErrPoolExhausted
	}

	conn, err := dial(bp.backend, bp.connectTimeout, bp.enableKeepAlive)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&bp.inUse, 1)
	atomic.AddInt64(&bp.totalCreated, 1)
	return &Guard{conn: conn, backend: bp.backend.Key(), pool: bp, usageCount: 1}, nil
}

func (bp *backendPool) idleLen() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.idle)
}

func (bp *backendPool) release(g *Guard, reusable bool) {
	atomic.AddInt64(&bp.inUse, -1)
	if !reusable || !connAlive(g.conn) {
		g.conn.Close()
		return
	}
	bp.mu.Lock()
	bp.idle = append(bp.idle, &pooledConn{conn: g.conn, lastUsed: time.Now(), usageCount: g.usageCount})
	bp.mu.Unlock()
}

func (bp *backendPool) cleanupIdle(idleTimeout time.Duration) {
	bp.mu.Lock()
	fresh := bp.idle[:0]
	var stale []*pooledConn
	now := time.Now()
	for _, pc := range bp.idle {
		if now.Sub(pc.lastUsed) > idleTimeout || !connAlive(pc.conn) {
			stale = append(stale, pc)
			continue
		}
		fresh = append(fresh, pc)
	}
	bp.idle = fresh
	bp.mu.Unlock()

	for _, pc := range stale {
		pc.conn.Close()
	}
}

func (bp *backendPool) closeAll() {
	bp.mu.Lock()
	idle := bp.idle
	bp.idle = nil
	bp.mu.Unlock()
	for _, pc := range idle {
		pc.conn.Close()
	}
}

// Stats is a point-in-time snapshot of one backend's pool state.
type Stats struct {
	Idle         int
	InUse        int64
	TotalCreated int64
}

func (bp *backendPool) stats() Stats {
	return Stats{
		Idle:         bp.idleLen(),
		InUse:        atomic.LoadInt64(&bp.inUse),
		TotalCreated: atomic.LoadInt64(&bp.totalCreated),
	}
}

func connAlive(conn net.Conn) bool {
	if conn == nil {
		return false
	}
	// A best-effort liveness probe: a one-byte read with a 1ms deadline
	// returning a definite error (other than a timeout) means the peer has
	// closed.
	one := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true // unexpected data; treat the socket as alive, data is lost upstream of this check
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

func dial(backend types.Backend, timeout time.Duration, keepAlive bool) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", backend.Addr())
	if err != nil {
		return nil, types.NewGatewayError(types.KindConnectFailed, backend.Key(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		if keepAlive {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
	}
	return conn, nil
}

// Manager owns one backendPool per backend (C4's ConnectionPoolManager
// equivalent). The manager mutex only ever guards the map of pools;
// individual checkout/release operations take only that pool's own
// mutex, per SPEC_FULL.md §5.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*backendPool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a connection pool manager. Call SetBackends before use.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		pools:  make(map[string]*backendPool),
		stopCh: make(chan struct{}),
	}
}

// SetBackends reconciles pools with the current backend set: pools for
// removed backends are drained and destroyed; pools for new backends are
// created empty.
func (m *Manager) SetBackends(backends []types.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(backends))
	for _, b := range backends {
		key := b.Key()
		keep[key] = true
		if _, ok := m.pools[key]; !ok {
			m.pools[key] = newBackendPool(b, m.cfg)
		}
	}
	for key, bp := range m.pools {
		if !keep[key] {
			bp.closeAll()
			delete(m.pools, key)
		}
	}
}

// Checkout obtains a connection guard for the given backend, or
// ErrPoolExhausted/a ConnectFailed GatewayError.
func (m *Manager) Checkout(backend types.Backend) (*Guard, error) {
	m.mu.Lock()
	bp, ok := m.pools[backend.Key()]
	if !ok {
		bp = newBackendPool(backend, m.cfg)
		m.pools[backend.Key()] = bp
	}
	m.mu.Unlock()
	return bp.checkout()
}

// StartCleanup launches the single periodic idle-cleanup task shared by
// all pools.
func (m *Manager) StartCleanup() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupAll()
			}
		}
	}()
}

// StopCleanup stops the cleanup task and closes every idle connection in
// every pool, for graceful shutdown.
func (m *Manager) StopCleanup() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	pools := make([]*backendPool, 0, len(m.pools))
	for _, bp := range m.pools {
		pools = append(pools, bp)
	}
	m.mu.Unlock()
	for _, bp := range pools {
		bp.closeAll()
	}
}

func (m *Manager) cleanupAll() {
	m.mu.Lock()
	pools := make([]*backendPool, 0, len(m.pools))
	for _, bp := range m.pools {
		pools = append(pools, bp)
	}
	m.mu.Unlock()
	for _, bp := range pools {
		bp.cleanupIdle(m.cfg.IdleTimeout)
	}
}

// Stats returns a snapshot of every pool's state, keyed by backend.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for key, bp := range m.pools {
		out[key] = bp.stats()
	}
	return out
}
