package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/forecast-service/internal/cache"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/config"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

func TestNewCache(t *testing.T) {
	tests := []struct {
		backend      string
		wantType     string
		wantRemote   bool
		wantBoundLog bool
	}{
		{"in_memory", "*cache.InMemoryCache", false, false},
		{"memcached", "*cache.MemcachedCache", true, true},
		{"redis", "*cache.RedisCache", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			cfg := &config.Config{
				CacheBackend:     tt.backend,
				CacheMaxEntries:  100,
				MemcachedAddrs:   "localhost:11211",
				MemcachedTimeout: 100 * time.Millisecond,
				RedisAddr:        "localhost:6379",
				RedisTimeout:     100 * time.Millisecond,
			}

			backend, pinger, closer, err := newCache(cfg, zap.New(core))
			if err != nil {
				t.Fatalf("newCache() error = %v", err)
			}
			if closer != nil {
				defer closer.Close()
			}

			var gotType string
			switch backend.(type) {
			case *cache.InMemoryCache:
				gotType = "*cache.InMemoryCache"
			case *cache.MemcachedCache:
				gotType = "*cache.MemcachedCache"
			case *cache.RedisCache:
				gotType = "*cache.RedisCache"
			}
			if gotType != tt.wantType {
				t.Errorf("backend = %T, want %s", backend, tt.wantType)
			}
			if (pinger != nil) != tt.wantRemote || (closer != nil) != tt.wantRemote {
				t.Errorf("pinger/closer set = %v/%v, want %v", pinger != nil, closer != nil, tt.wantRemote)
			}
			if got := logs.FilterMessage("cache.max_entries is ignored for remote cache backends").Len(); (got == 1) != tt.wantBoundLog {
				t.Errorf("max_entries warning logged %d times, want logged=%v", got, tt.wantBoundLog)
			}
		})
	}
}

// TestNewBreaker verifies config values reach the breaker and transitions are published
// to the state gauge and transition counter.
func TestNewBreaker(t *testing.T) {
	const component = "main-test-breaker"
	cfg := &config.Config{
		CBWindowSize:       4,
		CBMinimumCalls:     2,
		CBFailureRatePct:   50,
		CBOpenTimeout:      time.Minute,
		CBHalfOpenMaxCalls: 1,
	}
	ignored := errors.New("ignored")
	cb := newBreaker(cfg, component, nil, func(err error) bool { return errors.Is(err, ignored) })

	if cb.Component() != component || cb.State() != circuitbreaker.StateClosed {
		t.Fatalf("breaker = %s/%v, want %s/closed", cb.Component(), cb.State(), component)
	}
	if got := testutil.ToFloat64(observability.CircuitBreakerStateValue.WithLabelValues(component)); got != 0 {
		t.Errorf("state gauge = %v, want 0", got)
	}

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), func() error { return ignored })
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Fatal("ignored errors opened the breaker")
	}
	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), func() error { return boom })
	}

	if cb.State() != circuitbreaker.StateOpen {
		t.Fatalf("State() = %v, want open after minimum calls at 100%% failure", cb.State())
	}
	if got := testutil.ToFloat64(observability.CircuitBreakerStateValue.WithLabelValues(component)); got != 1 {
		t.Errorf("state gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(observability.CircuitBreakerTransitionsTotal.WithLabelValues(component, "closed", "open")); got != 1 {
		t.Errorf("closed->open transitions = %v, want 1", got)
	}
}
