package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

// InstrumentedCache records operation latency per backend for a Cache.
// Hits, misses and errors are counted by the caller, which decides what they mean.
type InstrumentedCache struct {
	next      Cache
	cacheType string
}

// NewInstrumentedCache wraps c; cacheType labels the metrics ("in_memory", "memcached", "redis").
func NewInstrumentedCache(c Cache, cacheType string) *InstrumentedCache {
	return &InstrumentedCache{next: c, cacheType: cacheType}
}

func (c *InstrumentedCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	start := time.Now()
	v, ok, err := c.next.Get(ctx, key)
	c.observe("get", start)
	return v, ok, err
}

func (c *InstrumentedCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	start := time.Now()
	err := c.next.Set(ctx, key, value, ttl)
	c.observe("set", start)
	return err
}

// Unwrap returns the wrapped cache, for health checks that need the backend.
func (c *InstrumentedCache) Unwrap() Cache {
	return c.next
}

func (c *InstrumentedCache) observe(op string, start time.Time) {
	observability.CacheOperationDurationSeconds.WithLabelValues(c.cacheType, op).Observe(time.Since(start).Seconds())
}
