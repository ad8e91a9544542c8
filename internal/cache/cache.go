package cache

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

// DefaultMaxEntries bounds the in-memory cache when no size is configured.
const DefaultMaxEntries = 100

// Cache defines the interface for forecast caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
// A hit is returned with FromCache set.
type Cache interface {
	Get(ctx context.Context, key string) (models.Forecast, bool, error)
	Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error
}

// InMemoryCache implements Cache using a map plus a write-ordered list. TTL runs from the
// write and is not extended by reads. When full, the oldest write is evicted.
// Safe for concurrent use.
type InMemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = oldest write
	now        func() time.Time
}

// cacheEntry stores a cached forecast with its expiration timestamp.
type cacheEntry struct {
	key       string
	value     models.Forecast
	expiresAt time.Time
}

// NewInMemoryCache creates a cache holding at most maxEntries entries
// (DefaultMaxEntries when maxEntries <= 0).
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &InMemoryCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get retrieves a cached forecast for the key if present and not expired.
// Returns (copy with FromCache=true, true, nil) on hit, (zero, false, nil) on miss or
// expiration. Expired entries are removed on access.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return models.Forecast{}, false, nil
	}
	entry := el.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeLocked(el)
		return models.Forecast{}, false, nil
	}

	out := entry.value
	out.Hourly = slices.Clone(entry.value.Hourly)
	out.FromCache = true
	return out, true, nil
}

// Set stores a forecast with the given TTL. Rewriting a key counts as a new write for
// eviction order. If the cache is over capacity afterwards, the oldest write is dropped.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	value.Hourly = slices.Clone(value.Hourly)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	})

	for c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Front())
		observability.CacheEvictionsTotal.WithLabelValues("in_memory").Inc()
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet accessed.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *InMemoryCache) removeLocked(el *list.Element) {
	entry := c.order.Remove(el).(*cacheEntry)
	delete(c.entries, entry.key)
}
