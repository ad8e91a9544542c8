package testhelpers

import (
	"testing"
	"time"

	"github.com/kjstillabower/forecast-service/internal/cache"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/client"
	"github.com/kjstillabower/forecast-service/internal/observability"
	"github.com/kjstillabower/forecast-service/internal/service"
)

// StackOptions tunes NewStack. Zero values give an in-memory cache with a 15m TTL,
// no geocoding throttle and default breakers.
type StackOptions struct {
	Cache        cache.Cache
	TTL          time.Duration
	ContactEmail string
	MinInterval  time.Duration
	OpenTimeout  time.Duration
	Now          func() time.Time // breaker clock
}

// Stack is a forecast service wired to real clients, breakers and cache.
type Stack struct {
	Service          *service.ForecastService
	Cache            cache.Cache
	GeocodingBreaker *circuitbreaker.CircuitBreaker
	WeatherBreaker   *circuitbreaker.CircuitBreaker
}

// NewStack wires the service against geocodingURL and weatherURL the same way the
// service binary does.
func NewStack(t testing.TB, geocodingURL, weatherURL string, opts StackOptions) *Stack {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = cache.NewInMemoryCache(cache.DefaultMaxEntries)
	}
	if opts.ContactEmail == "" {
		opts.ContactEmail = "test@example.com"
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}

	httpClient := client.NewHTTPClient(5*time.Second, 5*time.Second)

	geoBreaker := circuitbreaker.New(circuitbreaker.Config{
		Component:   observability.DependencyGeocoding,
		OpenTimeout: opts.OpenTimeout,
		IsFailure:   client.IsGeocodingFailure,
		IsIgnored:   client.IsGeocodingIgnored,
		Now:         opts.Now,
	})
	weatherBreaker := circuitbreaker.New(circuitbreaker.Config{
		Component:   observability.DependencyWeather,
		OpenTimeout: opts.OpenTimeout,
		Now:         opts.Now,
	})

	resolver := client.NewNominatimClient(client.NominatimConfig{
		URL:          geocodingURL,
		ContactEmail: opts.ContactEmail,
		MinInterval:  opts.MinInterval,
	}, httpClient)
	resolver.SetCircuitBreaker(geoBreaker)

	fetcher := client.NewOpenMeteoClient(weatherURL, httpClient)
	fetcher.SetCircuitBreaker(weatherBreaker)

	return &Stack{
		Service:          service.NewForecastService(resolver, fetcher, opts.Cache, opts.TTL),
		Cache:            opts.Cache,
		GeocodingBreaker: geoBreaker,
		WeatherBreaker:   weatherBreaker,
	}
}

// NewFakeStack starts FakeUpstreams and wires a Stack against them.
func NewFakeStack(t testing.TB, opts StackOptions) (*Stack, *FakeUpstreams) {
	t.Helper()
	u := NewFakeUpstreams(t)
	return NewStack(t, u.Geocoding.URL, u.Weather.URL, opts), u
}
