package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/forecast-service/internal/apperror"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct ErrorCategory
// for metrics labeling, including typed errors, wrapped errors, and message-based heuristics.
func TestCategorizeError(t *testing.T) {
	// name: test case description; err: input error; want: expected ErrorCategory.
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"circuit open", &apperror.CircuitOpenError{Component: "weather"}, ErrorCategoryCircuitOpen},
		{"validation", &apperror.ValidationError{Message: "Postal code cannot be empty"}, ErrorCategoryValidation},
		{"not found", apperror.NewGeocodingError(apperror.ReasonNotFound, "No location found", nil), ErrorCategoryLocationNotFound},
		{"rate limited", apperror.NewGeocodingError(apperror.ReasonRateLimited, "Rate limit exceeded.", nil), ErrorCategoryRateLimited},
		{"geocoding parse", apperror.NewGeocodingError(apperror.ReasonParse, "Error parsing", nil), ErrorCategoryParsing},
		{"weather parse", apperror.NewWeatherServiceError(apperror.ReasonParse, "Error parsing", nil), ErrorCategoryParsing},
		{"no data", apperror.NewWeatherServiceError(apperror.ReasonNoData, "No weather data", nil), ErrorCategoryNoData},
		{"interrupted", apperror.NewGeocodingError(apperror.ReasonInterrupted, "Request interrupted", context.Canceled), ErrorCategoryInterrupted},
		{"wrapped geocoding", apperror.NewWeatherServiceError(apperror.ReasonNotFound, "Error getting coordinates: x",
			apperror.NewGeocodingError(apperror.ReasonNotFound, "x", nil)), ErrorCategoryLocationNotFound},
		{"5xx", apperror.NewWeatherServiceError(apperror.ReasonCommunication, "Error communicating with weather service: HTTP 503", nil), ErrorCategoryUpstream5xx},
		{"4xx", apperror.NewGeocodingError(apperror.ReasonCommunication, "Error communicating with geocoding service: HTTP 403", nil), ErrorCategoryUpstream},
		{"deadline", apperror.NewWeatherServiceError(apperror.ReasonCommunication, "Error communicating with weather service: x",
			fmt.Errorf("do: %w", context.DeadlineExceeded)), ErrorCategoryTimeout},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryInterrupted},
		{"network in message", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"communication fallback", apperror.NewWeatherServiceError(apperror.ReasonCommunication, "Error communicating with weather service: EOF", nil), ErrorCategoryNetwork},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategorizeError(tt.err)
			if got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsGeocodingFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found is a healthy answer", apperror.NewGeocodingError(apperror.ReasonNotFound, "x", nil), false},
		{"rate limited", apperror.NewGeocodingError(apperror.ReasonRateLimited, "x", nil), true},
		{"communication", apperror.NewGeocodingError(apperror.ReasonCommunication, "x", nil), true},
		{"parse", apperror.NewGeocodingError(apperror.ReasonParse, "x", nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGeocodingFailure(tt.err); got != tt.want {
				t.Errorf("IsGeocodingFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsGeocodingIgnored(t *testing.T) {
	if !IsGeocodingIgnored(apperror.NewGeocodingError(apperror.ReasonInterrupted, "Request interrupted", nil)) {
		t.Error("interrupted wait should be ignored")
	}
	if !IsGeocodingIgnored(apperror.NewGeocodingError(apperror.ReasonCommunication, "x", fmt.Errorf("do: %w", context.Canceled))) {
		t.Error("cancelled request should be ignored")
	}
	if IsGeocodingIgnored(apperror.NewGeocodingError(apperror.ReasonCommunication, "x", nil)) {
		t.Error("communication failure should be recorded")
	}
}
