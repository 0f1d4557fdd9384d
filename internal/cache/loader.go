package cache

import (
	"context"
	"time"
)

// Loader combines a Cache with single-flight loading: a miss runs load
// exactly once per key even under concurrent identical calls, and the
// result is stored for ttl. Errors are never cached.
type Loader struct {
	cache Cache
	group Group[string, []byte]
}

// NewLoader wraps c.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// GetOrLoad returns the value for key. hit is true when the value came from
// the cache or from another caller's in-flight load.
func (l *Loader) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) (value []byte, hit bool, err error) {
	if v, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}

	v, err, shared := l.group.Do(key, func() ([]byte, error) {
		// Re-check under the flight: a racing call may have stored it.
		if v, ok, err := l.cache.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(ctx, key, v, ttl); err != nil {
			// A write failure degrades to uncached operation.
			return v, nil
		}
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}

// Invalidate drops key from the cache.
func (l *Loader) Invalidate(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}
