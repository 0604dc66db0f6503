package openmeteo

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// CachedSource wraps a WeatherSource with an in-memory LRU cache keyed by
// location bucket. Entries expire after ttl; errors are never cached.
// Concurrent misses for the same bucket share one upstream fetch.
type CachedSource struct {
	inner      domain.WeatherSource
	cache      *lruCache
	group      singleflight.Group
	clock      clockwork.Clock
	metrics    *observability.Metrics
	ttl        time.Duration
	resolution float64
}

// NewCachedSource creates a cache decorator around a weather source.
func NewCachedSource(inner domain.WeatherSource, maxEntries int, ttl time.Duration, resolution float64,
	clock clockwork.Clock, metrics *observability.Metrics,
) *CachedSource {
	return &CachedSource{
		inner:      inner,
		cache:      newLRUCache(maxEntries),
		clock:      clock,
		metrics:    metrics,
		ttl:        ttl,
		resolution: resolution,
	}
}

func (c *CachedSource) Fetch(ctx context.Context, lat, lon float64) (domain.Observation, error) {
	key := domain.Bucket(lat, lon, c.resolution)
	if obs, ok := c.cache.get(key, c.clock.Now()); ok {
		c.metrics.WeatherCache.WithLabelValues("hit").Inc()
		return obs, nil
	}
	c.metrics.WeatherCache.WithLabelValues("miss").Inc()

	// The shared fetch outlives any one caller; the client bounds it with its
	// own timeout.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		obs, err := c.inner.Fetch(fetchCtx, lat, lon)
		if err != nil {
			return domain.Observation{}, err
		}
		c.cache.put(key, obs, c.clock.Now().Add(c.ttl))
		return obs, nil
	})
	if err != nil {
		return domain.Observation{}, err
	}
	return v.(domain.Observation), nil
}

// lruCache is a thread-safe LRU cache of observations with per-entry expiry.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key       string
	value     domain.Observation
	expiresAt time.Time
	prev      *entry
	next      *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string, now time.Time) (domain.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Observation{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		c.remove(e)
		return domain.Observation{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.Observation, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
