package synthesis

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is used by Set.
const DefaultCacheTTL = 300_000 * time.Millisecond

const keyLength = 32

type cacheEntry struct {
	data     SynthesizeResponse
	storedAt time.Time
	ttl      time.Duration
}

// Cache is an in-memory TTL cache of synthesis results. Entries expire
// lazily: a lookup of a stale entry evicts it and reports a miss.
// It lives as long as the process and is never persisted.
type Cache struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates an empty cache reading time from the wall clock.
func NewCache() *Cache {
	return NewCacheWithClock(realClock{})
}

// NewCacheWithClock creates an empty cache with a custom clock (for testing).
func NewCacheWithClock(clock Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached response for key while it is younger than its TTL.
func (c *Cache) Get(key string) (SynthesizeResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return SynthesizeResponse{}, false
	}
	if c.clock.Now().Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		return SynthesizeResponse{}, false
	}
	return e.data, true
}

// Set stores data under key with DefaultCacheTTL.
func (c *Cache) Set(key string, data SynthesizeResponse) {
	c.SetWithTTL(key, data, DefaultCacheTTL)
}

// SetWithTTL stores data under key, overwriting any previous entry.
// A non-positive ttl falls back to DefaultCacheTTL.
func (c *Cache) SetWithTTL(key string, data SynthesizeResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, storedAt: c.clock.Now(), ttl: ttl}
}

// Len reports the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// GenerateKey derives the cache key for an (input, preferences) pair.
// Input is compared case-insensitively and without surrounding whitespace.
func GenerateKey(input string, prefs Preferences) string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	// Struct fields marshal in declaration order, which keeps this canonical.
	serialized, err := json.Marshal(prefs)
	if err != nil {
		serialized = nil
	}

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write(serialized)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:keyLength]
}
