// Package cache implements the response cache (C6): a size-bounded LRU
// keyed by a content hash of the backend request, grounded on the
// gateway reference implementation's cache::LruCache.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Config mirrors SPEC_FULL.md §6's Cache configuration surface.
type Config struct {
	Enabled      bool
	MaxSizeBytes int64
	TTL          time.Duration
}

// Entry is a cached response body plus the metadata needed to replay it.
type Entry struct {
	Body        []byte
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
	LastAccess  time.Time
	HitCount    uint64
}

type node struct {
	key   Key
	entry Entry
	hits  uint64 // atomic; kept outside entry so Get can bump it without racing Put's struct overwrite
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	Expired      uint64
	Entries      int
	SizeBytes    int64
	MaxSizeBytes int64
}

// HitRate returns Hits/(Hits+Misses), or 0 if nothing has been looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a thread-safe, size-bounded LRU cache of response bodies.
//
// Reads take the lock shared (RLock) for the common lookup path and only
// upgrade to an exclusive lock to evict an expired entry. Lookups do NOT
// move the touched node to the front of the LRU list under the read
// lock — that would race with other concurrent readers — so the LRU
// order can run slightly stale in exchange for read concurrency, the
// same trade-off the reference cache makes.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	ll      *list.List // front = most recently used
	entries map[Key]*list.Element

	size int64 // atomic, total bytes of cached bodies

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// New creates a response cache. A disabled cache (cfg.Enabled == false)
// accepts Get/Put calls but never stores or returns anything.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		ll:      list.New(),
		entries: make(map[Key]*list.Element),
	}
}

// Get returns the cached entry for key, or ok=false on a miss, an expired
// entry, or a disabled cache.
func (c *Cache) Get(key Key) (Entry, bool) {
	if !c.cfg.Enabled {
		return Entry{}, false
	}

	c.mu.RLock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.misses, 1)
		return Entry{}, false
	}

	n := el.Value.(*node)
	if c.isExpired(n.entry) {
		c.mu.RUnlock()
		c.removeExpired(key)
		atomic.AddUint64(&c.misses, 1)
		return Entry{}, false
	}

	result := n.entry
	c.mu.RUnlock()

	result.HitCount = atomic.AddUint64(&n.hits, 1)
	atomic.AddUint64(&c.hits, 1)
	result.LastAccess = time.Now()
	return result, true
}

// removeExpired re-checks and deletes an expired entry under the
// exclusive lock, since another goroutine may have already removed or
// replaced it between the read-lock check and here.
func (c *Cache) removeExpired(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return
	}
	n := el.Value.(*node)
	if !c.isExpired(n.entry) {
		return
	}
	c.ll.Remove(el)
	delete(c.entries, key)
	atomic.AddInt64(&c.size, -n.entry.SizeBytes)
	atomic.AddUint64(&c.expired, 1)
}

// Put stores a response body under key, evicting least-recently-used
// entries as needed to stay within MaxSizeBytes. An entry larger than
// MaxSizeBytes is silently not cached.
func (c *Cache) Put(key Key, body []byte, contentType string) {
	if !c.cfg.Enabled {
		return
	}
	size := int64(len(body))
	if size > c.cfg.MaxSizeBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		n := el.Value.(*node)
		atomic.AddInt64(&c.size, size-n.entry.SizeBytes)
		n.entry = Entry{
			Body:        body,
			ContentType: contentType,
			SizeBytes:   size,
			CreatedAt:   now,
			LastAccess:  now,
		}
		atomic.StoreUint64(&n.hits, 0)
		c.ll.MoveToFront(el)
	} else {
		n := &node{key: key, entry: Entry{
			Body:        body,
			ContentType: contentType,
			SizeBytes:   size,
			CreatedAt:   now,
			LastAccess:  now,
		}}
		c.entries[key] = c.ll.PushFront(n)
		atomic.AddInt64(&c.size, size)
	}

	c.evictIfNeeded()
}

// evictIfNeeded must be called with the exclusive lock held.
func (c *Cache) evictIfNeeded() {
	for atomic.LoadInt64(&c.size) > c.cfg.MaxSizeBytes {
		back := c.ll.Back()
		if back == nil {
			return
		}
		n := back.Value.(*node)
		c.ll.Remove(back)
		delete(c.entries, n.key)
		atomic.AddInt64(&c.size, -n.entry.SizeBytes)
		atomic.AddUint64(&c.evictions, 1)
	}
}

// Remove deletes a single entry, reporting whether it was present.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	n := el.Value.(*node)
	c.ll.Remove(el)
	delete(c.entries, key)
	atomic.AddInt64(&c.size, -n.entry.SizeBytes)
	return true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.entries = make(map[Key]*list.Element)
	atomic.StoreInt64(&c.size, 0)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:         atomic.LoadUint64(&c.hits),
		Misses:       atomic.LoadUint64(&c.misses),
		Evictions:    atomic.LoadUint64(&c.evictions),
		Expired:      atomic.LoadUint64(&c.expired),
		Entries:      entries,
		SizeBytes:    atomic.LoadInt64(&c.size),
		MaxSizeBytes: c.cfg.MaxSizeBytes,
	}
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

func (c *Cache) isExpired(e Entry) bool {
	if c.cfg.TTL <= 0 {
		return true
	}
	return time.Since(e.CreatedAt) > c.cfg.TTL
}
