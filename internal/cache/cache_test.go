package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/forecast-service/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedCache(maxEntries int) (*InMemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 4, 21, 12, 0, 0, 0, time.UTC)}
	c := NewInMemoryCache(maxEntries)
	c.now = clock.Now
	return c, clock
}

func testForecast(postal string) models.Forecast {
	return models.Forecast{
		PostalCode:          postal,
		CountryCode:         "US",
		Coordinates:         models.Coordinates{Latitude: 40.75, Longitude: -73.99},
		CurrentTemperatureC: 22.5,
		HighTemperatureC:    25,
		LowTemperatureC:     18,
		Hourly:              []models.HourlyPoint{{Time: time.Date(2025, 4, 21, 0, 0, 0, 0, time.UTC), TemperatureC: 20.5}},
		GeneratedAt:         time.Date(2025, 4, 21, 12, 0, 0, 0, time.UTC),
	}
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)

	val := testForecast("10001")
	if err := c.Set(ctx, "10001_US", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "10001_US")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.PostalCode != val.PostalCode || got.CurrentTemperatureC != val.CurrentTemperatureC {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryCache_Get_MarksFromCache verifies that hits carry FromCache=true while the
// stored entry keeps its original value.
func TestInMemoryCache_Get_MarksFromCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)
	_ = c.Set(ctx, "10001_US", testForecast("10001"), time.Minute)

	first, _, _ := c.Get(ctx, "10001_US")
	if !first.FromCache {
		t.Error("FromCache = false on hit, want true")
	}

	// mutate the returned copy; stored entry must be unaffected
	first.Hourly[0].TemperatureC = -100
	second, _, _ := c.Get(ctx, "10001_US")
	if second.Hourly[0].TemperatureC != 20.5 {
		t.Errorf("stored hourly mutated through returned copy: %v", second.Hourly[0].TemperatureC)
	}

	c.mu.Lock()
	stored := c.entries["10001_US"].Value.(*cacheEntry).value
	c.mu.Unlock()
	if stored.FromCache {
		t.Error("stored entry FromCache = true, want the value as written")
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)

	_, ok, err := c.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies that Get returns ok=false once the TTL has
// elapsed and removes the entry on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(10)

	_ = c.Set(ctx, "10001_US", testForecast("10001"), 15*time.Minute)

	clock.Advance(15*time.Minute - time.Second)
	if _, ok, _ := c.Get(ctx, "10001_US"); !ok {
		t.Fatal("Get() ok = false before TTL, want true")
	}

	clock.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, "10001_US"); ok {
		t.Error("Get() ok = true at TTL, want false")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expired access, want 0", c.Len())
	}
}

// TestInMemoryCache_TTLNotExtendedByReads verifies expiry is measured from the write.
func TestInMemoryCache_TTLNotExtendedByReads(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(10)
	_ = c.Set(ctx, "k", testForecast("10001"), time.Minute)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		_, _, _ = c.Get(ctx, "k")
	}
	clock.Advance(10 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry survived past TTL because of reads")
	}
}

// TestInMemoryCache_EvictsOldestWrite verifies the size bound drops exactly the oldest
// write, and that rewriting a key moves it to the newest position.
func TestInMemoryCache_EvictsOldestWrite(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(3)

	_ = c.Set(ctx, "a", testForecast("a"), time.Minute)
	_ = c.Set(ctx, "b", testForecast("b"), time.Minute)
	_ = c.Set(ctx, "c", testForecast("c"), time.Minute)
	// reading "a" does not protect it
	_, _, _ = c.Get(ctx, "a")
	_ = c.Set(ctx, "d", testForecast("d"), time.Minute)

	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("oldest write a still present after overflow")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok, _ := c.Get(ctx, k); !ok {
			t.Errorf("%s evicted, want present", k)
		}
	}

	// rewrite b, then overflow: c is now oldest
	_ = c.Set(ctx, "b", testForecast("b2"), time.Minute)
	_ = c.Set(ctx, "e", testForecast("e"), time.Minute)
	if _, ok, _ := c.Get(ctx, "c"); ok {
		t.Error("c still present, want evicted as oldest write")
	}
	if got, ok, _ := c.Get(ctx, "b"); !ok || got.PostalCode != "b2" {
		t.Errorf("b = %+v, %v; want rewritten value", got, ok)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestNewInMemoryCache_DefaultBound(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(0)
	for i := 0; i < DefaultMaxEntries+10; i++ {
		_ = c.Set(ctx, fmt.Sprintf("%05d_US", i), testForecast("x"), time.Minute)
	}
	if c.Len() != DefaultMaxEntries {
		t.Errorf("Len() = %d, want %d", c.Len(), DefaultMaxEntries)
	}
}

// TestInMemoryCache_Concurrent exercises Get and Set from many goroutines.
func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(16)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("%d_US", i%20)
			_ = c.Set(ctx, key, testForecast(key), time.Minute)
			_, _, _ = c.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	if c.Len() > 16 {
		t.Errorf("Len() = %d, want <= 16", c.Len())
	}
}

type failingCache struct{ err error }

func (f *failingCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	return models.Forecast{}, false, f.err
}

func (f *failingCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	return f.err
}

// TestInstrumentedCache_PassesThrough verifies the decorator is transparent.
func TestInstrumentedCache_PassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryCache(10)
	c := NewInstrumentedCache(inner, "in_memory")

	if err := c.Set(ctx, "k", testForecast("10001"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || !got.FromCache {
		t.Errorf("Get() = %+v, %v, %v", got, ok, err)
	}
	if c.Unwrap() != Cache(inner) {
		t.Error("Unwrap() did not return the inner cache")
	}

	boom := errors.New("backend down")
	fc := NewInstrumentedCache(&failingCache{err: boom}, "redis")
	if _, _, err := fc.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Errorf("Get() error = %v, want %v", err, boom)
	}
	if err := fc.Set(ctx, "k", models.Forecast{}, time.Minute); !errors.Is(err, boom) {
		t.Errorf("Set() error = %v, want %v", err, boom)
	}
}

func TestExpirationSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{15 * time.Minute, 900},
		{500 * time.Millisecond, 1},
		{0, 3600},
		{-time.Second, 3600},
		{60 * 24 * time.Hour, 30 * 24 * 60 * 60},
	}
	for _, tt := range tests {
		if got := expirationSeconds(tt.ttl); got != tt.want {
			t.Errorf("expirationSeconds(%v) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestMemcachedCache_KeyEscapesSpaces(t *testing.T) {
	c, _ := NewMemcachedCache("", 0, 0)
	if got := c.key("K1A 0B1_CA"); got != "forecast:K1A%200B1_CA" {
		t.Errorf("key() = %q", got)
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" host1:11211, ,host2:11211 ")
	if len(got) != 2 || got[0] != "host1:11211" || got[1] != "host2:11211" {
		t.Errorf("parseAddrs() = %v", got)
	}
}

// TestRedisCache_Unreachable verifies that an unreachable server surfaces as an error,
// which the orchestrator treats as a miss.
func TestRedisCache_Unreachable(t *testing.T) {
	c := NewRedisCache(RedisOptions{Addr: "127.0.0.1:1", Timeout: 100 * time.Millisecond})
	defer c.Close()

	ctx := context.Background()
	if _, ok, err := c.Get(ctx, "10001_US"); err == nil || ok {
		t.Errorf("Get() = ok %v, err %v; want error", ok, err)
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping() error = nil, want error")
	}
}
