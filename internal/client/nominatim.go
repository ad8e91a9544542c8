package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kjstillabower/forecast-service/internal/apperror"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
	"github.com/kjstillabower/forecast-service/internal/validation"
)

// API Docs: https://nominatim.org/release-docs/develop/api/Search/
// Sample request: https://nominatim.openstreetmap.org/search?postalcode=10001&country=US&format=json&limit=1
const DefaultNominatimURL = "https://nominatim.openstreetmap.org/search"

// NominatimConfig configures the geocoding client.
type NominatimConfig struct {
	URL          string
	ContactEmail string
	UserAgent    string
	// MinInterval is waited before every request. Nominatim's usage policy allows one
	// request per second.
	MinInterval time.Duration
}

// NominatimClient resolves postal codes through the Nominatim search API.
type NominatimClient struct {
	baseURL      string
	contactEmail string
	userAgent    string
	minInterval  time.Duration
	client       *http.Client
	breaker      *circuitbreaker.CircuitBreaker
}

// NewNominatimClient creates a client. A nil httpClient uses NewHTTPClient(5s, 5s).
func NewNominatimClient(cfg NominatimConfig, httpClient *http.Client) *NominatimClient {
	if cfg.URL == "" {
		cfg.URL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "forecast-service"
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(5*time.Second, 5*time.Second)
	}
	return &NominatimClient{
		baseURL:      cfg.URL,
		contactEmail: cfg.ContactEmail,
		userAgent:    cfg.UserAgent,
		minInterval:  cfg.MinInterval,
		client:       httpClient,
	}
}

// SetCircuitBreaker routes every lookup through cb. When the circuit is open, Resolve
// fails fast without waiting on the throttle.
func (c *NominatimClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type nominatimPlace struct {
	Lat         *flexFloat `json:"lat"`
	Lon         *flexFloat `json:"lon"`
	DisplayName string     `json:"display_name"`
}

// flexFloat accepts a JSON number or a numeric string; Nominatim sends strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("coordinate %s: %w", string(b), err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("coordinate %s is not finite", string(b))
	}
	*f = flexFloat(v)
	return nil
}

// Resolve returns the coordinates of the first Nominatim match for the postal code.
// postalCode and countryCode are expected validated and normalized. All errors are
// *apperror.GeocodingError except *apperror.CircuitOpenError.
func (c *NominatimClient) Resolve(ctx context.Context, postalCode, countryCode string) (models.Coordinates, error) {
	ctx, span := observability.Tracer().Start(ctx, "geocoding.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("postal_code", postalCode), attribute.String("country_code", countryCode))

	var coords models.Coordinates
	call := func() error {
		var err error
		coords, err = c.resolve(ctx, postalCode, countryCode)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		err = asGeocodingError(err)
		recordError(observability.DependencyGeocoding, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Coordinates{}, err
	}

	span.SetAttributes(attribute.Float64("latitude", coords.Latitude), attribute.Float64("longitude", coords.Longitude))
	return coords, nil
}

func (c *NominatimClient) resolve(ctx context.Context, postalCode, countryCode string) (models.Coordinates, error) {
	if err := c.throttle(ctx); err != nil {
		return models.Coordinates{}, err
	}

	req, err := c.buildRequest(ctx, postalCode, countryCode)
	if err != nil {
		return models.Coordinates{}, communicationError(err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		recordCall(observability.DependencyGeocoding, 0, start)
		return models.Coordinates{}, communicationError(err)
	}
	defer resp.Body.Close()
	recordCall(observability.DependencyGeocoding, resp.StatusCode, start)

	if resp.StatusCode == http.StatusTooManyRequests {
		return models.Coordinates{}, apperror.NewGeocodingError(apperror.ReasonRateLimited,
			"Rate limit exceeded. Please try again later.", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Coordinates{}, communicationError(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Coordinates{}, communicationError(fmt.Errorf("read response body: %w", err))
	}

	places, err := parsePlaces(body)
	if err != nil {
		return models.Coordinates{}, apperror.NewGeocodingError(apperror.ReasonParse,
			"Error parsing geocoding service response: "+err.Error(), err)
	}
	if len(places) == 0 {
		return models.Coordinates{}, apperror.NewGeocodingError(apperror.ReasonNotFound,
			fmt.Sprintf("No location found for postal code '%s' in %s. Please verify both postal code and country selection.",
				postalCode, validation.CountryName(countryCode)), nil)
	}

	first := places[0]
	if first.Lat == nil || first.Lon == nil {
		err := errors.New("missing lat/lon in first result")
		return models.Coordinates{}, apperror.NewGeocodingError(apperror.ReasonParse,
			"Error parsing geocoding service response: "+err.Error(), err)
	}
	lat, lon := float64(*first.Lat), float64(*first.Lon)
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		err := fmt.Errorf("coordinates out of range: %v,%v", lat, lon)
		return models.Coordinates{}, apperror.NewGeocodingError(apperror.ReasonParse,
			"Error parsing geocoding service response: "+err.Error(), err)
	}
	return models.Coordinates{Latitude: lat, Longitude: lon}, nil
}

// throttle blocks for minInterval before each request. Concurrent callers each pay the
// full wait; there is no shared queue.
func (c *NominatimClient) throttle(ctx context.Context) error {
	if c.minInterval <= 0 {
		observability.GeocodingThrottleWaitSeconds.Observe(0)
		return nil
	}
	start := time.Now()
	timer := time.NewTimer(c.minInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		observability.GeocodingThrottleWaitSeconds.Observe(time.Since(start).Seconds())
		return apperror.NewGeocodingError(apperror.ReasonInterrupted, "Request interrupted", ctx.Err())
	case <-timer.C:
		observability.GeocodingThrottleWaitSeconds.Observe(time.Since(start).Seconds())
		return nil
	}
}

func (c *NominatimClient) buildRequest(ctx context.Context, postalCode, countryCode string) (*http.Request, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid geocoding URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("postalcode", postalCode)
	params.Set("country", countryCode)
	params.Set("format", "json")
	params.Set("limit", "1")
	if c.contactEmail != "" {
		params.Set("email", c.contactEmail)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	injectHeaders(ctx, req)
	return req, nil
}

// parsePlaces decodes a Nominatim search body. An empty body or JSON null is an empty result.
func parsePlaces(body []byte) ([]nominatimPlace, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var places []nominatimPlace
	if err := json.Unmarshal(trimmed, &places); err != nil {
		return nil, err
	}
	return places, nil
}

func communicationError(err error) *apperror.GeocodingError {
	return apperror.NewGeocodingError(apperror.ReasonCommunication,
		"Error communicating with geocoding service: "+err.Error(), err)
}

// asGeocodingError maps errors that did not originate in resolve (a context already done
// before the breaker ran fn) onto the geocoding taxonomy. Circuit-open passes through.
func asGeocodingError(err error) error {
	var ge *apperror.GeocodingError
	var coe *apperror.CircuitOpenError
	if errors.As(err, &ge) || errors.As(err, &coe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperror.NewGeocodingError(apperror.ReasonInterrupted, "Request interrupted", err)
	}
	return communicationError(err)
}
