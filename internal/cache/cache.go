// Package cache provides a bounded read-through cache for collaborator lookups
// such as services and template versions.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for key from the backing store.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// ReadThrough caches loaded values for a fixed TTL. Concurrent misses for the
// same key share one load. Failed loads are not cached.
type ReadThrough[K comparable, V any] struct {
	entries *expirable.LRU[K, V]
	group   singleflight.Group
	load    Loader[K, V]
}

func NewReadThrough[K comparable, V any](size int, ttl time.Duration, load Loader[K, V]) (*ReadThrough[K, V], error) {
	if load == nil {
		return nil, fmt.Errorf("cache loader is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}

	return &ReadThrough[K, V]{
		entries: expirable.NewLRU[K, V](size, nil, ttl),
		load:    load,
	}, nil
}

func (c *ReadThrough[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.entries.Get(key); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.entries.Get(key); ok {
			return v, nil
		}

		v, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}

	return result.(V), nil
}

// Invalidate drops key so the next Get reloads it.
func (c *ReadThrough[K, V]) Invalidate(key K) {
	c.entries.Remove(key)
}

func (c *ReadThrough[K, V]) Purge() {
	c.entries.Purge()
}

func (c *ReadThrough[K, V]) Len() int {
	return c.entries.Len()
}
