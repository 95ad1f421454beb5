package cache

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is a 64-bit content hash identifying a cacheable response.
type Key uint64

// NewKey hashes method, target and body together, the same way the
// gateway's reference cache derives a key from the backend request.
func NewKey(method, target, body string) Key {
	h := xxhash.New()
	h.WriteString(method)
	h.WriteString(":")
	h.WriteString(target)
	h.WriteString(":")
	h.WriteString(body)
	return Key(h.Sum64())
}

// ShouldBypass reports whether a Cache-Control header value requests
// bypassing the cache.
func ShouldBypass(cacheControl string) bool {
	if cacheControl == "" {
		return false
	}
	lower := strings.ToLower(cacheControl)
	return strings.Contains(lower, "no-cache") || strings.Contains(lower, "no-store")
}
