package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/forecast-service/internal/models"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	GeocodingURL          string
	GeocodingContactEmail string
	GeocodingUserAgent    string
	GeocodingMinInterval  time.Duration

	WeatherAPIURL string

	HTTPConnectTimeout time.Duration
	HTTPReadTimeout    time.Duration

	RequestTimeout time.Duration

	CacheBackend    string // "in_memory", "memcached" or "redis"
	CacheTTL        time.Duration
	CacheMaxEntries int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	CacheWarm         bool
	CacheWarmInterval time.Duration

	CircuitBreakerEnabled bool
	CBWindowSize          int
	CBMinimumCalls        int
	CBFailureRatePct      float64
	CBOpenTimeout         time.Duration
	CBHalfOpenMaxCalls    int

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	ZipkinURL   string
	ServiceName string

	TrackedLocations []models.Location
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Geocoding struct {
		URL          string `yaml:"url"`
		ContactEmail string `yaml:"contact_email"`
		UserAgent    string `yaml:"user_agent"`
		MinInterval  string `yaml:"min_interval"`
	} `yaml:"geocoding"`

	WeatherAPI struct {
		URL string `yaml:"url"`
	} `yaml:"weather_api"`

	HTTPClient struct {
		ConnectTimeout string `yaml:"connect_timeout"`
		ReadTimeout    string `yaml:"read_timeout"`
	} `yaml:"http_client"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend    string `yaml:"backend"`
		TTL        string `yaml:"ttl"`
		MaxEntries int    `yaml:"max_entries"`
		Memcached  struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
		Warm         bool   `yaml:"warm"`
		WarmInterval string `yaml:"warm_interval"`
	} `yaml:"cache"`

	CircuitBreaker struct {
		Enabled              *bool   `yaml:"enabled"`
		WindowSize           int     `yaml:"window_size"`
		MinimumCalls         int     `yaml:"minimum_calls"`
		FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
		OpenTimeout          string  `yaml:"open_timeout"`
		HalfOpenMaxCalls     int     `yaml:"half_open_max_calls"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Tracing struct {
		ZipkinURL   string `yaml:"zipkin_url"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Metrics struct {
		TrackedLocations []models.Location `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

// Load reads an optional .env file, then config/{ENV_NAME}.yaml (default dev), then
// applies env overrides. Call from project root.
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port, "8080")

	cfg.GeocodingURL = stringOr(fc.Geocoding.URL, "https://nominatim.openstreetmap.org/search")
	cfg.GeocodingContactEmail = envOr("GEOCODING_CONTACT_EMAIL", fc.Geocoding.ContactEmail, "")
	cfg.GeocodingUserAgent = stringOr(fc.Geocoding.UserAgent, "forecast-service")
	cfg.GeocodingMinInterval = parseDuration(fc.Geocoding.MinInterval, time.Second)

	cfg.WeatherAPIURL = stringOr(fc.WeatherAPI.URL, "https://api.open-meteo.com/v1/forecast")

	cfg.HTTPConnectTimeout = parseDurationOrZero(fc.HTTPClient.ConnectTimeout, 5*time.Second)
	cfg.HTTPReadTimeout = parseDurationOrZero(fc.HTTPClient.ReadTimeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 15*time.Minute)
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 100
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = envOr("REDIS_ADDR", fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = envOr("REDIS_PASSWORD", fc.Cache.Redis.Password, "")
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)
	cfg.CacheWarm = fc.Cache.Warm
	cfg.CacheWarmInterval = parseDuration(fc.Cache.WarmInterval, 10*time.Minute)

	cfg.CircuitBreakerEnabled = true
	if fc.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.CircuitBreaker.Enabled
	}
	cfg.CBWindowSize = intOr(fc.CircuitBreaker.WindowSize, 10)
	cfg.CBMinimumCalls = intOr(fc.CircuitBreaker.MinimumCalls, 5)
	cfg.CBFailureRatePct = fc.CircuitBreaker.FailureRateThreshold
	if cfg.CBFailureRatePct == 0 {
		cfg.CBFailureRatePct = 50
	}
	cfg.CBOpenTimeout = parseDurationOrZero(fc.CircuitBreaker.OpenTimeout, 60*time.Second)
	cfg.CBHalfOpenMaxCalls = intOr(fc.CircuitBreaker.HalfOpenMaxCalls, 3)

	cfg.RateLimitRPS = intOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = intOr(fc.Reliability.RateLimitBurst, 250)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ZipkinURL = envOr("ZIPKIN_URL", fc.Tracing.ZipkinURL, "")
	cfg.ServiceName = stringOr(fc.Tracing.ServiceName, "forecast-service")

	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the trimmed env var when set, else the trimmed file value, else def.
func envOr(key, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return stringOr(fileVal, def)
}

func stringOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func intOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.HTTPConnectTimeout <= 0 {
		return fmt.Errorf("http_client.connect_timeout must be positive")
	}
	if cfg.HTTPReadTimeout <= 0 {
		return fmt.Errorf("http_client.read_timeout must be positive")
	}
	if cfg.CBOpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be positive")
	}
	if cfg.CBFailureRatePct <= 0 || cfg.CBFailureRatePct > 100 {
		return fmt.Errorf("circuit_breaker.failure_rate_threshold must be in (0,100], got %s",
			strconv.FormatFloat(cfg.CBFailureRatePct, 'f', -1, 64))
	}
	if cfg.CBMinimumCalls > cfg.CBWindowSize {
		return fmt.Errorf("circuit_breaker.minimum_calls (%d) must not exceed window_size (%d)", cfg.CBMinimumCalls, cfg.CBWindowSize)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	return nil
}
