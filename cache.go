package querygate

import "context"

// CacheProbe checks whether a fresh cached artifact exists for a fingerprint.
// Implementations must not mutate the cache.
type CacheProbe interface {
	// Lookup returns the entry and true on an exact, unexpired hit.
	// Any error is treated by callers as a miss.
	Lookup(ctx context.Context, fp Fingerprint) (CacheEntry, bool, error)
}

// noopCacheProbe always misses.
type noopCacheProbe struct{}

func (noopCacheProbe) Lookup(context.Context, Fingerprint) (CacheEntry, bool, error) {
	return CacheEntry{}, false, nil
}
