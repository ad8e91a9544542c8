package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kjstillabower/forecast-service/internal/apperror"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

// API Docs: https://open-meteo.com/en/docs
// Sample request: https://api.open-meteo.com/v1/forecast?latitude=40.75&longitude=-73.99&hourly=temperature_2m&daily=temperature_2m_max,temperature_2m_min&current_weather=true&timezone=auto
const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

// maxHourlyPoints is the length of the returned hourly series.
const maxHourlyPoints = 24

// OpenMeteoClient fetches forecasts from the Open-Meteo API.
type OpenMeteoClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
}

// NewOpenMeteoClient creates a client. A nil httpClient uses NewHTTPClient(5s, 5s).
func NewOpenMeteoClient(baseURL string, httpClient *http.Client) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(5*time.Second, 5*time.Second)
	}
	return &OpenMeteoClient{
		baseURL: baseURL,
		client:  httpClient,
		now:     time.Now,
	}
}

// SetCircuitBreaker routes every fetch through cb.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type openMeteoResponse struct {
	UTCOffsetSeconds     int    `json:"utc_offset_seconds"`
	TimezoneAbbreviation string `json:"timezone_abbreviation"`
	CurrentWeather       *struct {
		Temperature *float64 `json:"temperature"`
	} `json:"current_weather"`
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
	} `json:"hourly"`
	Daily struct {
		Temperature2mMax []*float64 `json:"temperature_2m_max"`
		Temperature2mMin []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// Fetch returns current, daily high/low and up to 24 hourly temperatures for coords.
// Errors are *apperror.WeatherServiceError except *apperror.CircuitOpenError.
func (c *OpenMeteoClient) Fetch(ctx context.Context, coords models.Coordinates, postalCode string) (models.Forecast, error) {
	ctx, span := observability.Tracer().Start(ctx, "weather.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("postal_code", postalCode),
		attribute.Float64("latitude", coords.Latitude),
		attribute.Float64("longitude", coords.Longitude),
	)

	var forecast models.Forecast
	call := func() error {
		var err error
		forecast, err = c.fetch(ctx, coords, postalCode)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		err = asWeatherError(err)
		recordError(observability.DependencyWeather, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Forecast{}, err
	}

	span.SetAttributes(attribute.Float64("current_temperature", forecast.CurrentTemperatureC))
	return forecast, nil
}

func (c *OpenMeteoClient) fetch(ctx context.Context, coords models.Coordinates, postalCode string) (models.Forecast, error) {
	req, err := c.buildRequest(ctx, coords)
	if err != nil {
		return models.Forecast{}, weatherCommunicationError(err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		recordCall(observability.DependencyWeather, 0, start)
		return models.Forecast{}, weatherCommunicationError(err)
	}
	defer resp.Body.Close()
	recordCall(observability.DependencyWeather, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Forecast{}, weatherCommunicationError(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Forecast{}, weatherCommunicationError(fmt.Errorf("read response body: %w", err))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return models.Forecast{}, apperror.NewWeatherServiceError(apperror.ReasonNoData,
			"No weather data received from weather service", nil)
	}

	var apiResp openMeteoResponse
	if err := json.Unmarshal(trimmed, &apiResp); err != nil {
		return models.Forecast{}, weatherParseError(err)
	}

	forecast, err := c.mapResponse(apiResp, coords, postalCode)
	if err != nil {
		return models.Forecast{}, weatherParseError(err)
	}
	return forecast, nil
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, coords models.Coordinates) (*http.Request, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid weather URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("latitude", strconv.FormatFloat(coords.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(coords.Longitude, 'f', -1, 64))
	params.Set("hourly", "temperature_2m")
	params.Set("daily", "temperature_2m_max,temperature_2m_min")
	params.Set("current_weather", "true")
	params.Set("timezone", "auto")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	injectHeaders(ctx, req)
	return req, nil
}

func (c *OpenMeteoClient) mapResponse(apiResp openMeteoResponse, coords models.Coordinates, postalCode string) (models.Forecast, error) {
	high, err := firstValue(apiResp.Daily.Temperature2mMax, "daily.temperature_2m_max")
	if err != nil {
		return models.Forecast{}, err
	}
	low, err := firstValue(apiResp.Daily.Temperature2mMin, "daily.temperature_2m_min")
	if err != nil {
		return models.Forecast{}, err
	}

	var current float64
	if apiResp.CurrentWeather != nil && apiResp.CurrentWeather.Temperature != nil {
		current = *apiResp.CurrentWeather.Temperature
	} else {
		current, err = firstValue(apiResp.Hourly.Temperature2m, "hourly.temperature_2m")
		if err != nil {
			return models.Forecast{}, fmt.Errorf("no current temperature: %w", err)
		}
	}

	hourly, err := parseHourly(apiResp)
	if err != nil {
		return models.Forecast{}, err
	}

	return models.Forecast{
		PostalCode:          postalCode,
		Coordinates:         coords,
		CurrentTemperatureC: current,
		HighTemperatureC:    high,
		LowTemperatureC:     low,
		Hourly:              hourly,
		GeneratedAt:         c.now(),
		FromCache:           false,
	}, nil
}

// hourlyLayouts are the timestamp forms Open-Meteo has been seen to return.
var hourlyLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05", time.RFC3339}

// parseHourly returns the first 24 hourly points in provider order. Points with a
// null temperature are skipped. Date-only timestamps become midnight plus the point's
// index in hours.
func parseHourly(apiResp openMeteoResponse) ([]models.HourlyPoint, error) {
	temps := apiResp.Hourly.Temperature2m
	times := apiResp.Hourly.Time
	n := min(len(temps), maxHourlyPoints)
	if len(times) < n {
		return nil, fmt.Errorf("hourly.time has %d entries, want at least %d", len(times), n)
	}

	loc := time.UTC
	if apiResp.UTCOffsetSeconds != 0 || apiResp.TimezoneAbbreviation != "" {
		loc = time.FixedZone(apiResp.TimezoneAbbreviation, apiResp.UTCOffsetSeconds)
	}

	points := make([]models.HourlyPoint, 0, n)
	for i := 0; i < n; i++ {
		ts, err := parseHourlyTime(times[i], i, loc)
		if err != nil {
			return nil, err
		}
		if temps[i] == nil {
			continue
		}
		points = append(points, models.HourlyPoint{Time: ts, TemperatureC: *temps[i]})
	}
	return points, nil
}

func parseHourlyTime(s string, index int, loc *time.Location) (time.Time, error) {
	for _, layout := range hourlyLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return d.Add(time.Duration(index) * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized hourly time %q", s)
}

func firstValue(values []*float64, field string) (float64, error) {
	if len(values) == 0 || values[0] == nil {
		return 0, fmt.Errorf("missing %s", field)
	}
	return *values[0], nil
}

func weatherCommunicationError(err error) *apperror.WeatherServiceError {
	return apperror.NewWeatherServiceError(apperror.ReasonCommunication,
		"Error communicating with weather service: "+err.Error(), err)
}

func weatherParseError(err error) *apperror.WeatherServiceError {
	return apperror.NewWeatherServiceError(apperror.ReasonParse,
		"Error parsing weather service response: "+err.Error(), err)
}

func asWeatherError(err error) error {
	var we *apperror.WeatherServiceError
	var coe *apperror.CircuitOpenError
	if errors.As(err, &we) || errors.As(err, &coe) {
		return err
	}
	return weatherCommunicationError(err)
}
