package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntonix/internal/cache"
)

func TestKeyIsStableAndContentSensitive(t *testing.T) {
	k1 := cache.NewKey("POST", "/v1/chat/completions", `{"model":"x"}`)
	k2 := cache.NewKey("POST", "/v1/chat/completions", `{"model":"x"}`)
	assert.Equal(t, k1, k2)

	k3 := cache.NewKey("POST", "/v1/chat/completions", `{"model":"y"}`)
	assert.NotEqual(t, k1, k3)
}

func TestShouldBypassCache(t *testing.T) {
	assert.True(t, cache.ShouldBypass("no-cache"))
	assert.True(t, cache.ShouldBypass("No-Store, max-age=0"))
	assert.False(t, cache.ShouldBypass(""))
	assert.False(t, cache.ShouldBypass("max-age=60"))
}

func TestGetMissThenPutThenHit(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 1024, TTL: time.Minute})
	key := cache.NewKey("POST", "/v1/chat/completions", "body")

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Put(key, []byte("response"), "application/json")
	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "response", string(entry.Body))
	assert.Equal(t, uint64(1), entry.HitCount)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestPutIsIdempotentForSameKey(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 1024, TTL: time.Minute})
	key := cache.NewKey("GET", "/x", "")

	c.Put(key, []byte("first"), "text/plain")
	c.Put(key, []byte("second"), "text/plain")

	assert.Equal(t, 1, c.Stats().Entries)
	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "second", string(entry.Body))
}

func TestEntryExactlyAtMaxSizeIsCacheableOversizeIsRejected(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 8, TTL: time.Minute})
	fits := cache.NewKey("GET", "/fits", "")
	tooBig := cache.NewKey("GET", "/toobig", "")

	c.Put(fits, []byte("12345678"), "text/plain")
	_, ok := c.Get(fits)
	require.True(t, ok, "an entry exactly at max_size_bytes must be cacheable")

	c.Put(tooBig, []byte("123456789"), "text/plain")
	_, ok = c.Get(tooBig)
	require.False(t, ok, "an entry one byte over max_size_bytes must be rejected")
}

func TestEvictionKeepsSizeWithinBound(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 10, TTL: time.Minute})

	c.Put(cache.NewKey("GET", "/a", ""), []byte("12345"), "text/plain")
	c.Put(cache.NewKey("GET", "/b", ""), []byte("12345"), "text/plain")
	c.Put(cache.NewKey("GET", "/c", ""), []byte("12345"), "text/plain")

	stats := c.Stats()
	assert.LessOrEqual(t, stats.SizeBytes, stats.MaxSizeBytes)
	assert.Equal(t, uint64(1), stats.Evictions)

	_, ok := c.Get(cache.NewKey("GET", "/a", ""))
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok = c.Get(cache.NewKey("GET", "/c", ""))
	assert.True(t, ok)
}

func TestZeroTTLAlwaysMisses(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 1024, TTL: 0})
	key := cache.NewKey("GET", "/x", "")
	c.Put(key, []byte("body"), "text/plain")

	_, ok := c.Get(key)
	assert.False(t, ok, "TTL=0 means every entry is immediately expired")
}

func TestExpiryAfterTTL(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 1024, TTL: 10 * time.Millisecond})
	key := cache.NewKey("GET", "/x", "")
	c.Put(key, []byte("body"), "text/plain")

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expired)
}

func TestDisabledCacheNeverStores(t *testing.T) {
	c := cache.New(cache.Config{Enabled: false, MaxSizeBytes: 1024, TTL: time.Minute})
	key := cache.NewKey("GET", "/x", "")
	c.Put(key, []byte("body"), "text/plain")

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestRemoveAndClear(t *testing.T) {
	c := cache.New(cache.Config{Enabled: true, MaxSizeBytes: 1024, TTL: time.Minute})
	key := cache.NewKey("GET", "/x", "")
	c.Put(key, []byte("body"), "text/plain")

	assert.True(t, c.Remove(key))
	assert.False(t, c.Remove(key))

	c.Put(key, []byte("body"), "text/plain")
	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(0), c.Stats().SizeBytes)
}
