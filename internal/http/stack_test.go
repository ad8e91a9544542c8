package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/testhelpers"
)

// newStackServer wires the full router over a real service talking to fake upstreams.
func newStackServer(t *testing.T) (*mux.Router, *Handler, *testhelpers.Stack, *testhelpers.FakeUpstreams) {
	t.Helper()
	stack, upstreams := testhelpers.NewFakeStack(t, testhelpers.StackOptions{})
	h := NewHandler(stack.Service, &HealthConfig{
		Breakers: []*circuitbreaker.CircuitBreaker{stack.GeocodingBreaker, stack.WeatherBreaker},
	}, zap.NewNop())
	return NewRouter(h, RouterConfig{}), h, stack, upstreams
}

func doGet(router http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// TestStack_ForecastThenCacheHit verifies the first lookup goes upstream and the
// second is served from cache with identical content.
func TestStack_ForecastThenCacheHit(t *testing.T) {
	router, _, _, upstreams := newStackServer(t)

	first := doGet(router, "/api/weather/zipcode/10001?countryCode=US")
	second := doGet(router, "/api/weather/zipcode/10001")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d, %d; want 200, 200 (body %s)", first.Code, second.Code, first.Body.String())
	}
	var a, b models.Forecast
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.FromCache || !b.FromCache {
		t.Errorf("fromCache = %v, %v; want false, true", a.FromCache, b.FromCache)
	}
	if a.CurrentTemperatureC != 22.5 || b.CurrentTemperatureC != 22.5 || len(b.Hourly) != 2 {
		t.Errorf("forecast content = %+v / %+v", a, b)
	}
	if a.Coordinates.Latitude != 40.7484 {
		t.Errorf("latitude = %v, want 40.7484", a.Coordinates.Latitude)
	}
	if n := upstreams.GeocodingHits.Load(); n != 1 {
		t.Errorf("geocoding hits = %d, want 1", n)
	}
	if n := upstreams.WeatherHits.Load(); n != 1 {
		t.Errorf("weather hits = %d, want 1", n)
	}
}

// TestStack_PostalCodeWithSpace verifies a GB code with an inner space round-trips.
func TestStack_PostalCodeWithSpace(t *testing.T) {
	router, _, _, upstreams := newStackServer(t)
	upstreams.AddPlace("SW1A 1AA", "GB", 51.501, -0.1416)

	w := doGet(router, "/api/weather/zipcode/SW1A%201AA?countryCode=gb")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var f models.Forecast
	_ = json.Unmarshal(w.Body.Bytes(), &f)
	if f.PostalCode != "SW1A 1AA" || f.CountryCode != "GB" {
		t.Errorf("postal/country = %q/%q", f.PostalCode, f.CountryCode)
	}
}

// TestStack_InvalidFormat verifies validation failures never reach an upstream.
func TestStack_InvalidFormat(t *testing.T) {
	router, _, _, upstreams := newStackServer(t)

	w := doGet(router, "/api/weather/zipcode/ABCDE")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := decodeError(t, w)
	if body.Error != "Location Error" || body.Message != "Invalid postal code format for United States. Please check and try again." {
		t.Errorf("body = %+v", body)
	}
	if upstreams.GeocodingHits.Load() != 0 || upstreams.WeatherHits.Load() != 0 {
		t.Error("upstream called for invalid input")
	}
}

// TestStack_NotFoundKeepsBreakerClosed verifies unknown postal codes answer 400 with the
// provider message and never trip the geocoding breaker.
func TestStack_NotFoundKeepsBreakerClosed(t *testing.T) {
	router, _, stack, upstreams := newStackServer(t)

	for i := 0; i < 8; i++ {
		w := doGet(router, "/api/weather/zipcode/00000")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("request %d: status = %d, want 400", i, w.Code)
		}
		body := decodeError(t, w)
		if !strings.Contains(body.Message, "No location found") {
			t.Errorf("message = %q, want not-found text", body.Message)
		}
	}
	if s := stack.GeocodingBreaker.State(); s != circuitbreaker.StateClosed {
		t.Errorf("geocoding breaker = %v, want closed", s)
	}
	if n := upstreams.GeocodingHits.Load(); n != 8 {
		t.Errorf("geocoding hits = %d, want 8 (failures are not cached)", n)
	}
}

// TestStack_WeatherOutageOpensBreaker verifies repeated weather failures open the breaker,
// after which requests fail fast and health reports degraded.
func TestStack_WeatherOutageOpensBreaker(t *testing.T) {
	router, _, stack, upstreams := newStackServer(t)
	upstreams.SetWeatherStatus(http.StatusInternalServerError)

	for i := 0; i < 5; i++ {
		w := doGet(router, "/api/weather/zipcode/10001")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i, w.Code)
		}
		if body := decodeError(t, w); body.Error != "Weather Service Error" {
			t.Errorf("request %d: error = %q, want Weather Service Error", i, body.Error)
		}
	}
	if s := stack.WeatherBreaker.State(); s != circuitbreaker.StateOpen {
		t.Fatalf("weather breaker = %v, want open", s)
	}

	hits := upstreams.WeatherHits.Load()
	w := doGet(router, "/api/weather/zipcode/10001")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decodeError(t, w); body.Error != "Service Temporarily Unavailable" || body.Message != circuitOpenMessage {
		t.Errorf("body = %+v", body)
	}
	if upstreams.WeatherHits.Load() != hits {
		t.Error("weather upstream called while circuit open")
	}

	health := doGet(router, "/health")
	if health.Code != http.StatusServiceUnavailable || !strings.Contains(health.Body.String(), `"degraded"`) {
		t.Errorf("health = %d %s, want 503 degraded", health.Code, health.Body.String())
	}
}

// TestStack_GeocodingRateLimited verifies a 429 from the geocoder is a location error.
func TestStack_GeocodingRateLimited(t *testing.T) {
	router, _, _, upstreams := newStackServer(t)
	upstreams.SetGeocodingStatus(http.StatusTooManyRequests)

	w := doGet(router, "/api/weather/zipcode/10001")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeError(t, w); body.Message != defaultLocationMessage {
		t.Errorf("message = %q, want generic location message", body.Message)
	}
	if upstreams.WeatherHits.Load() != 0 {
		t.Error("weather called after geocoding failure")
	}
}

// TestStack_MetricsEndpoint verifies the registry exposes the forecast metrics families.
func TestStack_MetricsEndpoint(t *testing.T) {
	router, _, _, _ := newStackServer(t)
	_ = doGet(router, "/api/weather/zipcode/10001")

	w := doGet(router, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, name := range []string{"httpRequestsTotal", "upstreamCallsTotal", "cacheMissesTotal"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}
