package kas

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentdf/tdf/pkg/manifest"
)

// Router dispatches KAS calls to the server registered for a URL.
type Router struct {
	mu      sync.RWMutex
	servers map[string]KAS
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{servers: make(map[string]KAS)}
}

// Register routes calls for url to k, replacing any previous registration.
func (r *Router) Register(url string, k KAS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[NormalizeURL(url)] = k
}

// Unregister removes the route for url.
func (r *Router) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, NormalizeURL(url))
}

func (r *Router) lookup(url string) (KAS, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.servers[NormalizeURL(url)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKAS, url)
	}
	return k, nil
}

// PublicKey implements KAS.
func (r *Router) PublicKey(ctx context.Context, info KASInfo) (KASInfo, error) {
	k, err := r.lookup(info.URL)
	if err != nil {
		return KASInfo{}, err
	}
	return k.PublicKey(ctx, info)
}

// Unwrap implements KAS.
func (r *Router) Unwrap(ctx context.Context, keyAccess manifest.KeyAccess, policy string) ([]byte, error) {
	k, err := r.lookup(keyAccess.URL)
	if err != nil {
		return nil, err
	}
	return k.Unwrap(ctx, keyAccess, policy)
}
