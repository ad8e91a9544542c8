package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/forecast-service/internal/apperror"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (upstreamErrorsTotal).
const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryInterrupted      ErrorCategory = "interrupted"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	ErrorCategoryUpstream         ErrorCategory = "upstream"
	ErrorCategoryParsing          ErrorCategory = "parsing"
	ErrorCategoryNoData           ErrorCategory = "no_data"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryValidation       ErrorCategory = "validation"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var coe *apperror.CircuitOpenError
	if errors.As(err, &coe) {
		return ErrorCategoryCircuitOpen
	}
	var ve *apperror.ValidationError
	if errors.As(err, &ve) {
		return ErrorCategoryValidation
	}

	var reason apperror.Reason
	var ge *apperror.GeocodingError
	var we *apperror.WeatherServiceError
	switch {
	case errors.As(err, &ge):
		reason = ge.Reason
	case errors.As(err, &we):
		reason = we.Reason
	}

	switch reason {
	case apperror.ReasonNotFound:
		return ErrorCategoryLocationNotFound
	case apperror.ReasonRateLimited:
		return ErrorCategoryRateLimited
	case apperror.ReasonParse:
		return ErrorCategoryParsing
	case apperror.ReasonNoData:
		return ErrorCategoryNoData
	case apperror.ReasonInterrupted:
		return ErrorCategoryInterrupted
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCategoryInterrupted
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "HTTP 5") {
		return ErrorCategoryUpstream5xx
	}
	if strings.Contains(errStr, "HTTP ") {
		return ErrorCategoryUpstream
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "no such host") {
		return ErrorCategoryNetwork
	}
	if reason == apperror.ReasonCommunication {
		return ErrorCategoryNetwork
	}

	return ErrorCategoryUnknown
}
