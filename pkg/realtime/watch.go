package realtime

import (
	"context"
	"sync"

	"github.com/shubhamb0439-gif/crm-admin/pkg/bus"
	"github.com/shubhamb0439-gif/crm-admin/pkg/cache"
)

// View is a cached query that goes stale whenever its resource changes.
type View[T any] struct {
	cache *cache.Cache
	key   cache.Key
	fetch func(context.Context) (T, error)

	unsubscribe func()
	closeOnce   sync.Once
}

// Watch mounts a view: until Close, every change event of resource on b
// invalidates key in c. The value is refetched lazily by the next Get.
func Watch[T any](b *bus.Bus, c *cache.Cache, resource string, key cache.Key, fetch func(context.Context) (T, error)) *View[T] {
	v := &View[T]{
		cache: c,
		key:   key,
		fetch: fetch,
	}
	v.unsubscribe = b.Subscribe(resource, func(bus.Event) {
		c.Invalidate(key)
	})
	return v
}

// Get returns the cached value, fetching it when missing or stale.
func (v *View[T]) Get(ctx context.Context) (T, error) {
	return cache.Get(ctx, v.cache, v.key, v.fetch)
}

// Key is the cache key of the view.
func (v *View[T]) Key() cache.Key {
	return v.key
}

// Close unmounts the view. Later change events no longer invalidate it.
// The cached value stays until it expires or is evicted.
func (v *View[T]) Close() {
	v.closeOnce.Do(v.unsubscribe)
}
