package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	limiter "github.com/ulule/limiter/v3"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	SingPost SingPost

	RateLimitKeyInterval    time.Duration
	RateLimitGlobalInterval time.Duration

	Ship24URL        string
	Ship24SettleWait time.Duration
	ChromePath       string
	ChromeHeadless   bool

	TrackingDefaultProvider string
	TrackingCallTimeout     time.Duration
	TrackingMaxBatch        int
	TrackingConcurrency     int
	TrackingCacheTTL        time.Duration

	APIRateLimit string

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	QueueName         string
	WorkerConcurrency int

	Obs Obs
}

// SingPost groups the structured tracking API settings.
type SingPost struct {
	APIKey      string
	SystemID    string
	Production  bool
	BaseURL     string
	Timeout     time.Duration
	BatchSize   int
	RetryBase   time.Duration
	MaxAttempts int
}

// Obs groups logging, metrics and tracing settings.
type Obs struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	EnablePrometheus bool
	EnableTracing    bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	EnablePprof      bool
	PprofUser        string
	PprofPass        string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		SingPost: SingPost{
			APIKey:      strings.TrimSpace(k.String("SINGPOST_API_KEY")),
			SystemID:    strings.TrimSpace(k.String("SINGPOST_SYSTEM_ID")),
			Production:  parseBool(k.String("SINGPOST_PRODUCTION")),
			BaseURL:     strings.TrimSpace(k.String("SINGPOST_BASE_URL")),
			Timeout:     parseDuration(k.String("SINGPOST_TIMEOUT"), "30s"),
			BatchSize:   parseInt(k.String("SINGPOST_BATCH_SIZE"), 10),
			RetryBase:   parseDuration(k.String("SINGPOST_RETRY_BASE"), "5s"),
			MaxAttempts: parseInt(k.String("SINGPOST_MAX_ATTEMPTS"), 3),
		},
		RateLimitKeyInterval:    parseDuration(k.String("RATE_LIMIT_KEY_INTERVAL"), "5s"),
		RateLimitGlobalInterval: parseDuration(k.String("RATE_LIMIT_GLOBAL_INTERVAL"), "1s"),
		Ship24URL:               valueOrDefault(k.String("SHIP24_URL"), "https://www.ship24.com/"),
		Ship24SettleWait:        parseDuration(k.String("SHIP24_SETTLE_WAIT"), "5s"),
		ChromePath:              strings.TrimSpace(k.String("CHROME_PATH")),
		ChromeHeadless:          parseBoolDefault(k.String("CHROME_HEADLESS"), true),
		TrackingDefaultProvider: strings.ToLower(valueOrDefault(k.String("TRACKING_DEFAULT_PROVIDER"), "singpost")),
		TrackingCallTimeout:     parseDuration(k.String("TRACKING_CALL_TIMEOUT"), "30s"),
		TrackingMaxBatch:        parseInt(k.String("TRACKING_MAX_BATCH"), 20),
		TrackingConcurrency:     parseInt(k.String("TRACKING_CONCURRENCY"), 0),
		TrackingCacheTTL:        parseDuration(k.String("TRACKING_CACHE_TTL"), "10m"),
		APIRateLimit:            valueOrDefault(k.String("API_RATE_LIMIT"), "60-M"),
		CircuitMinRequests:      parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio:     parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:          parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		QueueName:               valueOrDefault(k.String("TRACKING_QUEUE"), "tracking"),
		WorkerConcurrency:       parseInt(k.String("WORKER_CONCURRENCY"), 4),
		Obs: Obs{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "parcel"),
			MetricsBuckets:   strings.TrimSpace(k.String("OBS_METRICS_BUCKETS_MS")),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			EnablePprof:      parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SingPost.BaseURL != "" {
		if err := requireHTTPURL(c.SingPost.BaseURL); err != nil {
			return fmt.Errorf("SINGPOST_BASE_URL: %w", err)
		}
	}
	if err := requireHTTPURL(c.Ship24URL); err != nil {
		return fmt.Errorf("SHIP24_URL: %w", err)
	}
	if _, err := limiter.NewRateFromFormatted(c.APIRateLimit); err != nil {
		return fmt.Errorf("API_RATE_LIMIT: %w", err)
	}
	switch c.TrackingDefaultProvider {
	case "singpost", "ship24":
	default:
		return fmt.Errorf("TRACKING_DEFAULT_PROVIDER: unsupported provider %q", c.TrackingDefaultProvider)
	}
	if c.TrackingMaxBatch <= 0 || c.TrackingMaxBatch > 20 {
		return errors.New("TRACKING_MAX_BATCH must be between 1 and 20")
	}
	if c.CircuitFailureRatio <= 0 || c.CircuitFailureRatio > 1 {
		return errors.New("CIRCUIT_FAILURE_RATIO must be in (0, 1]")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func requireHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
