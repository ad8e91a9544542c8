package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-service/internal/apperror"
	"github.com/kjstillabower/forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-service/internal/models"
	"github.com/kjstillabower/forecast-service/internal/observability"
)

const (
	serviceName = "forecast-service"

	defaultLocationMessage = "Unable to find location for the provided postal code. Please check your input and try again."
	circuitOpenMessage     = "The weather service is currently experiencing issues. Please try again later."
	internalErrorMessage   = "An unexpected error occurred. Please try again later."
)

// Forecaster is the lookup the forecast route serves. *service.ForecastService implements it.
type Forecaster interface {
	GetForecast(ctx context.Context, postalCode, countryCode string) (models.Forecast, error)
}

// Pinger reports cache backend reachability. Remote cache clients implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig holds what the health handler inspects.
type HealthConfig struct {
	Version string
	// Breakers are reported by component; any open breaker makes the service degraded.
	Breakers []*circuitbreaker.CircuitBreaker
	// CachePing, when set, is checked on every health request. Nil for the in-memory cache.
	CachePing   Pinger
	PingTimeout time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts        Forecaster
	healthConfig     *HealthConfig
	logger           *zap.Logger
	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(forecasts Forecaster, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecasts:    forecasts,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// SetShuttingDown flips the health endpoint to shutting-down. Call when SIGTERM/SIGINT is received.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// GetForecast handles GET /api/weather/zipcode/{postalCode}?countryCode=XX.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	postalCode := mux.Vars(r)["postalCode"]
	countryCode := r.URL.Query().Get("countryCode")

	result, err := h.forecasts.GetForecast(r.Context(), postalCode, countryCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	RequestID string `json:"requestId"`
}

// mapError picks status, title and client-facing message for a pipeline error.
// The first matching rule wins.
func mapError(err error) (int, string, string) {
	var openErr *apperror.CircuitOpenError
	if errors.As(err, &openErr) {
		return http.StatusServiceUnavailable, "Service Temporarily Unavailable", circuitOpenMessage
	}

	var validationErr *apperror.ValidationError
	var geocodingErr *apperror.GeocodingError
	if errors.As(err, &validationErr) || errors.As(err, &geocodingErr) {
		msg := err.Error()
		if strings.HasPrefix(msg, "Invalid postal code format") || strings.Contains(msg, "No location found") {
			return http.StatusBadRequest, "Location Error", msg
		}
		return http.StatusBadRequest, "Location Error", defaultLocationMessage
	}

	var weatherErr *apperror.WeatherServiceError
	if errors.As(err, &weatherErr) {
		return http.StatusServiceUnavailable, "Weather Service Error", weatherErr.Message
	}

	return http.StatusInternalServerError, "Internal Server Error", internalErrorMessage
}

// writeServiceError maps err to a status and error body and logs the underlying cause.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, message := mapError(err)
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Warn("forecast request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("forecast request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, r, status, title, message)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	breakers := make(map[string]string, len(h.healthConfig.Breakers))
	for _, cb := range h.healthConfig.Breakers {
		breakers[cb.Component()] = cb.State().String()
	}
	checks := map[string]string{}
	if h.healthConfig.CachePing != nil {
		if h.pingCache(r.Context()) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	version := h.healthConfig.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":          result.status,
		"service":         serviceName,
		"version":         version,
		"circuitBreakers": breakers,
		"checks":          checks,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down > degraded (any breaker open) > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	for _, cb := range h.healthConfig.Breakers {
		if cb.State() == circuitbreaker.StateOpen {
			return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open:" + cb.Component()}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func (h *Handler) pingCache(ctx context.Context) error {
	timeout := h.healthConfig.PingTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.healthConfig.CachePing.Ping(ctx)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body, with the correlation id as requestId.
func writeError(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	writeJSON(w, status, errorResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Error:     title,
		Message:   message,
		Path:      r.URL.Path,
		RequestID: observability.CorrelationIDFromContext(r.Context()),
	})
}
