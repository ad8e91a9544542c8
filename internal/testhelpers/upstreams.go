// Package testhelpers provides fake geocoding and weather upstreams and a wired
// forecast stack for end-to-end tests.
package testhelpers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// WeatherBody is the Open-Meteo response served by FakeUpstreams.
const WeatherBody = `{
	"utc_offset_seconds": 0,
	"timezone_abbreviation": "GMT",
	"current_weather": {"temperature": 22.5},
	"daily": {"temperature_2m_max": [25.0], "temperature_2m_min": [18.0]},
	"hourly": {"time": ["2025-04-21T00:00", "2025-04-21T01:00"], "temperature_2m": [20.5, 19.8]}
}`

// FakeUpstreams serves Nominatim- and Open-Meteo-shaped responses from httptest servers.
// Unknown postal codes resolve to an empty result. Status overrides force every
// response of that upstream to the given code.
type FakeUpstreams struct {
	Geocoding *httptest.Server
	Weather   *httptest.Server

	GeocodingHits atomic.Int32
	WeatherHits   atomic.Int32

	geocodingStatus atomic.Int32
	weatherStatus   atomic.Int32

	mu     sync.Mutex
	places map[string][2]float64
}

// NewFakeUpstreams starts both servers with 10001/US registered. They close on test cleanup.
func NewFakeUpstreams(t testing.TB) *FakeUpstreams {
	t.Helper()
	u := &FakeUpstreams{places: map[string][2]float64{}}
	u.AddPlace("10001", "US", 40.7484, -73.9967)

	u.Geocoding = httptest.NewServer(http.HandlerFunc(u.serveGeocoding))
	u.Weather = httptest.NewServer(http.HandlerFunc(u.serveWeather))
	t.Cleanup(func() {
		u.Geocoding.Close()
		u.Weather.Close()
	})
	return u
}

// AddPlace registers coordinates for a postal code.
func (u *FakeUpstreams) AddPlace(postalCode, countryCode string, lat, lon float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.places[placeKey(postalCode, countryCode)] = [2]float64{lat, lon}
}

// SetGeocodingStatus forces every geocoding response to code; 0 restores normal behaviour.
func (u *FakeUpstreams) SetGeocodingStatus(code int) { u.geocodingStatus.Store(int32(code)) }

// SetWeatherStatus forces every weather response to code; 0 restores normal behaviour.
func (u *FakeUpstreams) SetWeatherStatus(code int) { u.weatherStatus.Store(int32(code)) }

func (u *FakeUpstreams) serveGeocoding(w http.ResponseWriter, r *http.Request) {
	u.GeocodingHits.Add(1)
	if code := int(u.geocodingStatus.Load()); code != 0 {
		w.WriteHeader(code)
		return
	}
	q := r.URL.Query()
	u.mu.Lock()
	coords, ok := u.places[placeKey(q.Get("postalcode"), q.Get("country"))]
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_, _ = w.Write([]byte("[]"))
		return
	}
	_, _ = fmt.Fprintf(w, `[{"lat":"%g","lon":"%g","display_name":"fake"}]`, coords[0], coords[1])
}

func (u *FakeUpstreams) serveWeather(w http.ResponseWriter, r *http.Request) {
	u.WeatherHits.Add(1)
	if code := int(u.weatherStatus.Load()); code != 0 {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(WeatherBody))
}

func placeKey(postalCode, countryCode string) string {
	return strings.ToUpper(strings.TrimSpace(postalCode)) + "_" + strings.ToUpper(countryCode)
}
