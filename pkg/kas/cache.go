package kas

import (
	"sync"
	"time"
)

// DefaultKeyCacheTTL is how long a cached public key stays fresh.
const DefaultKeyCacheTTL = 5 * time.Minute

// KeyCache is a time-boxed cache of key access server public keys, keyed by
// URL, algorithm and key id. It is safe for concurrent use.
type KeyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	url       string
	algorithm string
	kid       string
}

type cacheEntry struct {
	info      KASInfo
	expiresAt time.Time
}

// CacheOption configures a KeyCache.
type CacheOption func(*KeyCache)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *KeyCache) {
		c.ttl = ttl
	}
}

// WithClock sets the clock used for expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *KeyCache) {
		c.now = now
	}
}

// NewKeyCache creates an empty cache.
func NewKeyCache(opts ...CacheOption) *KeyCache {
	c := &KeyCache{
		ttl:     DefaultKeyCacheTTL,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a fresh entry for the server. An empty kid matches the most
// recently stored key for the URL and algorithm.
func (c *KeyCache) Get(url, algorithm, kid string) (KASInfo, bool) {
	if c == nil {
		return KASInfo{}, false
	}

	key := cacheKey{url: NormalizeURL(url), algorithm: algorithmOrDefault(algorithm), kid: kid}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return KASInfo{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return KASInfo{}, false
	}
	return entry.info, true
}

// Store caches info. Entries without a public key are ignored.
func (c *KeyCache) Store(info KASInfo) {
	if c == nil || info.PublicKey == "" {
		return
	}

	url := NormalizeURL(info.URL)
	alg := algorithmOrDefault(info.Algorithm)
	entry := cacheEntry{info: info, expiresAt: c.now().Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{url: url, algorithm: alg, kid: info.KID}] = entry
	if info.KID != "" {
		c.entries[cacheKey{url: url, algorithm: alg}] = entry
	}
}

// Len returns the number of entries, fresh or not.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}

func algorithmOrDefault(alg string) string {
	if alg == "" {
		return DefaultAlgorithm
	}
	return alg
}
