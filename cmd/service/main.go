package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-service/internal/cache"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/client"
	"github.com/kjstillabower/forecast-service/internal/config"
	httphandler "github.com/kjstillabower/forecast-service/internal/http"
	"github.com/kjstillabower/forecast-service/internal/observability"
	"github.com/kjstillabower/forecast-service/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	shutdownTracing, err := observability.InitTracing(cfg.ServiceName, version, cfg.ZipkinURL)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	if cfg.ZipkinURL != "" {
		logger.Info("tracing enabled", zap.String("zipkin_url", cfg.ZipkinURL))
	}

	httpClient := client.NewHTTPClient(cfg.HTTPConnectTimeout, cfg.HTTPReadTimeout)
	resolver := client.NewNominatimClient(client.NominatimConfig{
		URL:          cfg.GeocodingURL,
		ContactEmail: cfg.GeocodingContactEmail,
		UserAgent:    cfg.GeocodingUserAgent,
		MinInterval:  cfg.GeocodingMinInterval,
	}, httpClient)
	fetcher := client.NewOpenMeteoClient(cfg.WeatherAPIURL, httpClient)
	if cfg.GeocodingContactEmail == "" {
		logger.Warn("geocoding contact email not set; Nominatim may reject anonymous traffic")
	}

	var breakers []*circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		geoBreaker := newBreaker(cfg, observability.DependencyGeocoding, client.IsGeocodingFailure, client.IsGeocodingIgnored)
		weatherBreaker := newBreaker(cfg, observability.DependencyWeather, nil, nil)
		resolver.SetCircuitBreaker(geoBreaker)
		fetcher.SetCircuitBreaker(weatherBreaker)
		breakers = append(breakers, geoBreaker, weatherBreaker)
		logger.Info("circuit breakers enabled",
			zap.Int("window_size", cfg.CBWindowSize),
			zap.Int("minimum_calls", cfg.CBMinimumCalls),
			zap.Float64("failure_rate_threshold", cfg.CBFailureRatePct),
			zap.Duration("open_timeout", cfg.CBOpenTimeout))
	}

	backend, pinger, closer, err := newCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	forecastService := service.NewForecastService(resolver, fetcher, cache.NewInstrumentedCache(backend, cfg.CacheBackend), cfg.CacheTTL)
	forecastService.SetLogger(logger)

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if cfg.CacheWarm && len(cfg.TrackedLocations) > 0 {
		warmer := cache.NewCacheWarmer(forecastService, logger)
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, cfg.TrackedLocations, cfg.CacheWarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	handler := httphandler.NewHandler(forecastService, &httphandler.HealthConfig{
		Version:   version,
		Breakers:  breakers,
		CachePing: pinger,
	}, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	stopWarming()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := observability.FlushTelemetry(flushCtx, logger, shutdownTracing); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newBreaker builds a breaker for component from config and publishes its transitions.
// Nil classifiers take the breaker defaults.
func newBreaker(cfg *config.Config, component string, isFailure, isIgnored func(error) bool) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(circuitbreaker.Config{
		WindowSize:           cfg.CBWindowSize,
		MinimumCalls:         cfg.CBMinimumCalls,
		FailureRateThreshold: cfg.CBFailureRatePct,
		OpenTimeout:          cfg.CBOpenTimeout,
		HalfOpenMaxCalls:     cfg.CBHalfOpenMaxCalls,
		Component:            component,
		IsFailure:            isFailure,
		IsIgnored:            isIgnored,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
		},
	})
	observability.SetCircuitBreakerStateGauge(component, int(circuitbreaker.StateClosed))
	return cb
}

// newCache returns the configured backend plus, for remote backends, its health pinger
// and closer. max_entries only bounds the in-memory backend; remote servers evict under
// their own memory policy.
func newCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, httphandler.Pinger, io.Closer, error) {
	if cfg.CacheBackend == "memcached" || cfg.CacheBackend == "redis" {
		logger.Warn("cache.max_entries is ignored for remote cache backends",
			zap.String("backend", cfg.CacheBackend), zap.Int("max_entries", cfg.CacheMaxEntries))
	}
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memcached: %w", err)
		}
		return mc, mc, mc, nil
	case "redis":
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		})
		return rc, rc, rc, nil
	default:
		return cache.NewInMemoryCache(cfg.CacheMaxEntries), nil, nil, nil
	}
}
