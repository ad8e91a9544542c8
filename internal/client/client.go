package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kjstillabower/forecast-service/internal/apperror"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

// Resolver turns a validated postal code into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, postalCode, countryCode string) (models.Coordinates, error)
}

// Fetcher returns the forecast for coordinates. postalCode is echoed into the result.
type Fetcher interface {
	Fetch(ctx context.Context, coords models.Coordinates, postalCode string) (models.Forecast, error)
}

// maxBodyBytes bounds upstream response reads.
const maxBodyBytes = 1 << 20

// NewHTTPClient returns the outbound client shared by both providers: connectTimeout bounds
// the dial, readTimeout bounds the wait for response headers. A single call, body read
// included, never outlives connectTimeout+readTimeout even without a request deadline.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = readTimeout
	return &http.Client{
		Transport: transport,
		Timeout:   connectTimeout + readTimeout,
	}
}

// IsGeocodingFailure reports whether err counts against the geocoding breaker.
// A not-found answer means the provider is healthy.
func IsGeocodingFailure(err error) bool {
	if err == nil {
		return false
	}
	var ge *apperror.GeocodingError
	if errors.As(err, &ge) && ge.Reason == apperror.ReasonNotFound {
		return false
	}
	return true
}

// IsGeocodingIgnored reports outcomes the geocoding breaker should not record: the
// caller gave up, either during the throttle wait or mid-request.
func IsGeocodingIgnored(err error) bool {
	var ge *apperror.GeocodingError
	if errors.As(err, &ge) && ge.Reason == apperror.ReasonInterrupted {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func injectHeaders(ctx context.Context, req *http.Request) {
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func recordCall(dependency string, statusCode int, start time.Time) {
	status := "error"
	if statusCode > 0 {
		status = statusLabel(statusCode)
	}
	observability.UpstreamCallsTotal.WithLabelValues(dependency, status).Inc()
	observability.UpstreamDuration.WithLabelValues(dependency, status).Observe(time.Since(start).Seconds())
}

func recordError(dependency string, err error) {
	var coe *apperror.CircuitOpenError
	if errors.As(err, &coe) {
		observability.CircuitBreakerRejectionsTotal.WithLabelValues(dependency).Inc()
	}
	observability.UpstreamErrorsTotal.WithLabelValues(dependency, string(CategorizeError(err))).Inc()
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
