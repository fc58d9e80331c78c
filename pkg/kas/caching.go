package kas

import (
	"context"
	"fmt"

	"github.com/opentdf/tdf/pkg/manifest"
	"github.com/opentdf/tdf/pkg/metrics"
)

// Caching wraps a KAS so public key lookups are served from a KeyCache while
// fresh, recording every lookup in the KAS request metrics. Unwrap calls pass
// through. A nil inner KAS serves only what the cache already holds.
type Caching struct {
	inner   KAS
	cache   *KeyCache
	metrics *metrics.Metrics
}

// NewCaching returns a caching decorator around inner. A nil cache gets a
// fresh KeyCache with the default TTL.
func NewCaching(inner KAS, cache *KeyCache, m *metrics.Metrics) *Caching {
	if cache == nil {
		cache = NewKeyCache()
	}
	return &Caching{inner: inner, cache: cache, metrics: m}
}

// Cache returns the underlying cache.
func (c *Caching) Cache() *KeyCache {
	return c.cache
}

// PublicKey implements KAS.
func (c *Caching) PublicKey(ctx context.Context, info KASInfo) (KASInfo, error) {
	if info.PublicKey != "" {
		return info, nil
	}

	if cached, ok := c.cache.Get(info.URL, info.Algorithm, info.KID); ok {
		c.metrics.RecordKASRequest(metrics.KASOperationPublicKey, metrics.ResultCacheHit)
		return cached, nil
	}

	if c.inner == nil {
		return KASInfo{}, fmt.Errorf("%w: %s is not cached and no server is configured", ErrUnknownKAS, info.URL)
	}
	fetched, err := c.inner.PublicKey(ctx, info)
	if err != nil {
		c.metrics.RecordKASRequest(metrics.KASOperationPublicKey, metrics.ResultFailure)
		return KASInfo{}, err
	}
	c.metrics.RecordKASRequest(metrics.KASOperationPublicKey, metrics.ResultSuccess)
	c.cache.Store(fetched)
	return fetched, nil
}

// Unwrap implements KAS.
func (c *Caching) Unwrap(ctx context.Context, keyAccess manifest.KeyAccess, policy string) ([]byte, error) {
	if c.inner == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKAS, keyAccess.URL)
	}
	return c.inner.Unwrap(ctx, keyAccess, policy)
}
