package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/forecast-service/internal/models"
)

// Dependency labels for upstream metrics.
const (
	DependencyGeocoding = "geocoding"
	DependencyWeather   = "weather"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream call rate per dependency (geocoding, weather). Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency per request. Watch for: p95 > 2s (upstream degradation), p99 near the 5s read timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Upstream errors by category. Watch for: rate_limited on geocoding (usage policy), parsing (API change).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Time spent in the geocoding throttle before each request.
	GeocodingThrottleWaitSeconds prometheus.Histogram

	// Circuit breaker state per component: 0=closed, 1=open, 2=half_open.
	CircuitBreakerStateValue *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping (frequent open/close).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Calls rejected without reaching the dependency.
	CircuitBreakerRejectionsTotal *prometheus.CounterVec

	// Cache hits. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses, including expired entries.
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend errors. A failing backend degrades to upstream calls on every request.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache get/set latency. Watch for: remote backends slower than the upstream they shield.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Entries dropped because the in-memory cache was full.
	CacheEvictionsTotal *prometheus.CounterVec

	// Concurrent misses for the same key. Watch for: >1 means the same lookup went upstream more than once.
	CacheStampedeDetectedTotal prometheus.Counter
	CacheStampedeConcurrency   prometheus.Histogram

	// Cache warming runs, errors and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Total forecast lookups. Watch for: traffic volume, rate() for QPS.
	ForecastQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	ForecastQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Requests still in flight when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of outbound calls to geocoding and weather providers",
		},
		[]string{"dependency", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Outbound call latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"dependency", "status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Outbound call errors by category",
		},
		[]string{"dependency", "category"},
	)
	GeocodingThrottleWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geocodingThrottleWaitSeconds",
			Help:    "Time spent waiting before each geocoding request",
			Buckets: []float64{0, .1, .5, 1, 2, 5},
		},
	)
	CircuitBreakerStateValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerRejectionsTotal",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"component"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation",
		},
		[]string{"cacheType", "operation"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"cacheType", "operation"},
	)
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheEvictionsTotal",
			Help: "Entries evicted because the cache reached its size bound",
		},
		[]string{"cacheType"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another in-progress miss for the same key",
		},
	)
	CacheStampedeConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses per key observed at miss time",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	ForecastQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastQueriesTotal",
			Help: "Total number of forecast lookups",
		},
	)
	ForecastQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastQueriesByLocationTotal",
			Help: "Forecast queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "Requests still in flight while graceful shutdown drains",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamErrorsTotal, GeocodingThrottleWaitSeconds,
		CircuitBreakerStateValue, CircuitBreakerTransitionsTotal, CircuitBreakerRejectionsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds, CacheEvictionsTotal,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		ForecastQueriesTotal, ForecastQueriesByLocationTotal,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// SetCircuitBreakerStateGauge sets the state gauge for component. state follows
// circuitbreaker.State ordering (0=closed, 1=open, 2=half_open).
func SetCircuitBreakerStateGauge(component string, state int) {
	CircuitBreakerStateValue.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toState int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	SetCircuitBreakerStateGauge(component, toState)
}

// RecordShutdownInFlight records how many requests were still running at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []models.Location) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[MetricLocationLabel(loc.PostalCode, loc.CountryCode)] = struct{}{}
	}
}

// RecordForecastQuery records a forecast query for the given postal code and country.
func RecordForecastQuery(postalCode, countryCode string) {
	ForecastQueriesTotal.Inc()
	label := MetricLocationLabel(postalCode, countryCode)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[label] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		ForecastQueriesByLocationTotal.WithLabelValues(label).Inc()
	} else {
		ForecastQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

// MetricLocationLabel is the label form of a location: "10001_US".
func MetricLocationLabel(postalCode, countryCode string) string {
	country := strings.ToUpper(strings.TrimSpace(countryCode))
	if country == "" {
		country = "US"
	}
	return strings.ToUpper(strings.TrimSpace(postalCode)) + "_" + country
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
