// Package cache is a read-through query cache. Results are fresh for a
// configurable window and are refetched lazily, on the next read, once they
// are stale or have been invalidated.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

// Fetcher loads the current value of a query from the backend.
type Fetcher func(ctx context.Context) (any, error)

type Config struct {
	// Size bounds the number of cached results. Least recently used results
	// are evicted first.
	Size int
	// StaleTime is how long a fetched result is served without refetching.
	StaleTime time.Duration
	// FetchTimeout bounds a fetch. Fetches are shared between callers, so
	// they do not end when the caller that started them gives up.
	FetchTimeout time.Duration
	Clock        clock.Clock
	Logger       logger.Logger
}

type entry struct {
	value     any
	fetchedAt time.Time
	stale     bool
}

// flight is one running fetch of a key.
type flight struct {
	// invalidations that arrived while the fetch ran; the result is stored
	// as already stale
	invalidated int
}

// Stats are cumulative counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Fetches       uint64 `json:"fetches"`
	FetchErrors   uint64 `json:"fetch_errors"`
	Invalidations uint64 `json:"invalidations"`
}

type Cache struct {
	clock        clock.Clock
	staleTime    time.Duration
	fetchTimeout time.Duration
	logger       logger.Logger

	mu       sync.Mutex
	entries  *lru.Cache[Key, *entry]
	inflight map[Key]*flight
	// generation counts purges; results fetched across one are not stored
	generation uint64

	group singleflight.Group

	hooksMu sync.RWMutex
	hookID  uint64
	hooks   map[uint64]func(Key)

	hits, misses, fetches, fetchErrors, invalidations atomic.Uint64
}

func New(cfg Config) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = constants.DefaultCacheSize
	}
	if cfg.StaleTime <= 0 {
		cfg.StaleTime = constants.DefaultStaleTime
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = constants.DefaultHTTPTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	entries, err := lru.New[Key, *entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &Cache{
		clock:        cfg.Clock,
		staleTime:    cfg.StaleTime,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		entries:      entries,
		inflight:     make(map[Key]*flight),
		hooks:        make(map[uint64]func(Key)),
	}, nil
}

func (c *Cache) isStale(e *entry) bool {
	return e.stale || c.clock.Now().Sub(e.fetchedAt) >= c.staleTime
}

// Get returns the cached value of key, calling fetch when there is none or
// the cached one is stale. Concurrent Gets of the same key share one fetch,
// which keeps running when ctx is done; only this caller stops waiting.
// A failed fetch leaves any previous value in place.
func (c *Cache) Get(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok && !c.isStale(e) {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.value, nil
	}
	gen := c.generation
	c.mu.Unlock()
	c.misses.Add(1)

	fctx := context.WithoutCancel(ctx)
	results := c.group.DoChan(key.String(), func() (any, error) {
		return c.fetch(fctx, key, fetch, gen)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: get %s: %w", key, ctx.Err())
	case res := <-results:
		return res.Val, res.Err
	}
}

func (c *Cache) fetch(ctx context.Context, key Key, fetch Fetcher, gen uint64) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	f := &flight{}
	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()

	c.fetches.Add(1)
	value, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] == f {
		delete(c.inflight, key)
	}

	if err != nil {
		c.fetchErrors.Add(1)
		c.logger.Warn("cache.Cache fetch failed", "key", key.String(), "error", err)
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}

	if gen != c.generation {
		c.logger.Debug("cache.Cache dropping result fetched before purge", "key", key.String())
		return value, nil
	}
	c.entries.Add(key, &entry{
		value:     value,
		fetchedAt: c.clock.Now(),
		stale:     f.invalidated > 0,
	})
	return value, nil
}

// Peek returns the cached value of key without fetching, and whether it is
// fresh.
func (c *Cache) Peek(key Key) (value any, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false, false
	}
	return e.value, !c.isStale(e), true
}

// Invalidate marks key stale. It does not refetch: the next Get does.
// It returns whether there was a cached value or a fetch in flight.
func (c *Cache) Invalidate(key Key) bool {
	c.mu.Lock()
	found := false
	if e, ok := c.entries.Peek(key); ok {
		e.stale = true
		found = true
	}
	if f, ok := c.inflight[key]; ok {
		f.invalidated++
		found = true
	}
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.notify(key)
	return found
}

// InvalidateResource marks every cached query of resource stale and returns
// how many were marked.
func (c *Cache) InvalidateResource(resource string) int {
	c.mu.Lock()
	var keys []Key
	for _, k := range c.entries.Keys() {
		if k.Resource == resource {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.Invalidate(k)
	}
	return len(keys)
}

// Purge drops every cached result and returns how many there were. Fetches
// in flight are detached: their callers still get the result, but it is not
// stored, and later Gets start a fresh fetch.
func (c *Cache) Purge() int {
	c.mu.Lock()
	keys := c.entries.Keys()
	c.entries.Purge()
	c.generation++
	for key := range c.inflight {
		c.group.Forget(key.String())
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	c.invalidations.Add(uint64(len(keys)))
	for _, k := range keys {
		c.notify(k)
	}
	c.logger.Debug("cache.Cache purged", "entries", len(keys))
	return len(keys)
}

// Remove drops key from the cache.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// OnInvalidate registers fn to be called after every invalidation, so the
// owner of a query can refetch eagerly if it wants to.
func (c *Cache) OnInvalidate(fn func(Key)) (remove func()) {
	c.hooksMu.Lock()
	c.hookID++
	id := c.hookID
	c.hooks[id] = fn
	c.hooksMu.Unlock()

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

func (c *Cache) notify(key Key) {
	c.hooksMu.RLock()
	hooks := make([]func(Key), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(key)
	}
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Get is the typed form of Cache.Get.
func Get[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %s holds %T, not %T", key, v, zero)
	}
	return typed, nil
}
