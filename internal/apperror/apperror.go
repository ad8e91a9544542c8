// Package apperror defines the error kinds the forecast pipeline returns across stage
// boundaries. Callers classify with errors.As; the HTTP layer maps each kind to a status.
package apperror

import "fmt"

// Reason is a stable, machine-readable cause attached to upstream errors.
type Reason string

const (
	ReasonNotFound      Reason = "not_found"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonCommunication Reason = "communication"
	ReasonParse         Reason = "parse"
	ReasonNoData        Reason = "no_data"
	ReasonInterrupted   Reason = "interrupted"
)

// ValidationError reports a postal code rejected before any upstream call.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// GeocodingError reports a failed postal code -> coordinates lookup.
type GeocodingError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *GeocodingError) Error() string { return e.Message }

func (e *GeocodingError) Unwrap() error { return e.Err }

// NewGeocodingError builds a GeocodingError. cause may be nil.
func NewGeocodingError(reason Reason, message string, cause error) *GeocodingError {
	return &GeocodingError{Reason: reason, Message: message, Err: cause}
}

// WeatherServiceError reports a failed forecast fetch, or a geocoding failure
// re-wrapped by the orchestrator.
type WeatherServiceError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *WeatherServiceError) Error() string { return e.Message }

func (e *WeatherServiceError) Unwrap() error { return e.Err }

// NewWeatherServiceError builds a WeatherServiceError. cause may be nil.
func NewWeatherServiceError(reason Reason, message string, cause error) *WeatherServiceError {
	return &WeatherServiceError{Reason: reason, Message: message, Err: cause}
}

// CircuitOpenError is returned without touching the dependency while its breaker
// rejects calls.
type CircuitOpenError struct {
	Component string
}

func (e *CircuitOpenError) Error() string {
	if e.Component == "" {
		return "circuit breaker open"
	}
	return fmt.Sprintf("circuit breaker open: %s", e.Component)
}
