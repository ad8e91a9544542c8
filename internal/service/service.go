package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-service/internal/apperror"
	"github.com/kjstillabower/forecast-service/internal/cache"
	"github.com/kjstillabower/forecast-service/internal/client"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
	"github.com/kjstillabower/forecast-service/internal/validation"
)

// cacheLabel is the cacheType label for forecast lookups, independent of backend.
const cacheLabel = "forecast"

// ForecastService orchestrates postal code -> forecast lookups: cache-aside around a
// strictly sequential validate, resolve, fetch pipeline.
type ForecastService struct {
	resolver        client.Resolver
	fetcher         client.Fetcher
	cache           cache.Cache
	ttl             time.Duration
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
}

// NewForecastService creates a new ForecastService with the provided dependencies.
// ttl is the cache lifetime of each result, measured from the write.
func NewForecastService(resolver client.Resolver, fetcher client.Fetcher, c cache.Cache, ttl time.Duration) *ForecastService {
	return &ForecastService{
		resolver:        resolver,
		fetcher:         fetcher,
		cache:           c,
		ttl:             ttl,
		logger:          zap.NewNop(),
		stampedeTracker: newStampedeTracker(),
	}
}

// SetLogger sets the logger used when the request context carries none.
func (s *ForecastService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// GetForecast returns the forecast for a postal code, serving from cache when possible.
// Cache backend errors are logged and treated as a miss. On a miss the input is
// validated, resolved to coordinates and the forecast fetched; a successful result is
// cached before it is returned.
//
// Errors: *apperror.ValidationError, *apperror.CircuitOpenError,
// *apperror.WeatherServiceError (geocoding failures arrive wrapped in one, with the
// *apperror.GeocodingError as cause).
func (s *ForecastService) GetForecast(ctx context.Context, postalCode, countryCode string) (models.Forecast, error) {
	ctx, span := observability.Tracer().Start(ctx, "forecast.get")
	defer span.End()

	key := validation.CacheKey(postalCode, countryCode)
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	span.SetAttributes(attribute.String("cache_key", key))
	observability.RecordForecastQuery(postalCode, countryCode)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(cacheLabel, "get").Inc()
		logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(cacheLabel).Inc()
		span.SetAttributes(attribute.Bool("from_cache", true))
		logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(cacheLabel).Inc()
	span.SetAttributes(attribute.Bool("from_cache", false))

	if n := s.stampedeTracker.Begin(key); n > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(n))
	}
	defer s.stampedeTracker.End(key)

	forecast, err := s.lookup(ctx, postalCode, countryCode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Info("forecast lookup failed", zap.String("key", key), zap.Error(err))
		return models.Forecast{}, err
	}

	if setErr := s.cache.Set(ctx, key, forecast, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues(cacheLabel, "set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
	}
	logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return forecast, nil
}

// RefreshForecast looks up the forecast without reading the cache and overwrites the
// cached entry on success, restarting its TTL. Used by cache warming, where a cache hit
// would leave the entry to expire on schedule.
func (s *ForecastService) RefreshForecast(ctx context.Context, postalCode, countryCode string) (models.Forecast, error) {
	ctx, span := observability.Tracer().Start(ctx, "forecast.refresh")
	defer span.End()

	key := validation.CacheKey(postalCode, countryCode)
	logger := observability.LoggerFromContext(ctx, s.logger)
	span.SetAttributes(attribute.String("cache_key", key))

	forecast, err := s.lookup(ctx, postalCode, countryCode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Forecast{}, err
	}
	if err := s.cache.Set(ctx, key, forecast, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(cacheLabel, "set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return forecast, err
	}
	return forecast, nil
}

func (s *ForecastService) lookup(ctx context.Context, postalCode, countryCode string) (models.Forecast, error) {
	pc, err := validation.ValidatePostalCode(postalCode, countryCode)
	if err != nil {
		return models.Forecast{}, err
	}
	// Countries without a pattern pass any non-empty code through to the geocoder.
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("postal_format_checked", validation.HasPattern(pc.Country)))

	coords, err := s.resolver.Resolve(ctx, pc.Code, pc.Country)
	if err != nil {
		var ge *apperror.GeocodingError
		if errors.As(err, &ge) {
			return models.Forecast{}, apperror.NewWeatherServiceError(ge.Reason, "Error getting coordinates: "+ge.Message, ge)
		}
		return models.Forecast{}, err
	}

	forecast, err := s.fetcher.Fetch(ctx, coords, pc.Code)
	if err != nil {
		return models.Forecast{}, err
	}
	forecast.PostalCode = pc.Code
	forecast.CountryCode = pc.Country
	forecast.FromCache = false
	return forecast, nil
}
