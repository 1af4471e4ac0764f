package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MigrateOnStart     bool
	BodyLimitBytes     int64
	SecurityHeaders    bool
	HSTS               bool
	HSTSMaxAge         int

	Billing BillingConfig
	Session SessionConfig
	Search  SearchConfig
	Queue   QueueConfig
	Notify  NotifyConfig
	Obs     ObsConfig
	Auth    AuthConfig
	IdemTTL time.Duration
}

// AuthConfig controls cashier bearer tokens. An empty secret disables
// authentication.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	TokenTTL  time.Duration
	ClockSkew time.Duration
}

// Enabled reports whether cashier tokens are required on the API.
func (a AuthConfig) Enabled() bool { return strings.TrimSpace(a.JWTSecret) != "" }

// BillingConfig controls invoice arithmetic and presentation.
type BillingConfig struct {
	GSTRate          decimal.Decimal
	CurrencySymbol   string
	DefaultPriceBook string
}

// SessionConfig controls the lifetime and locking of billing sessions.
type SessionConfig struct {
	TTL     time.Duration
	LockTTL time.Duration
	// SubmitTimeout bounds one invoice save started from a session.
	SubmitTimeout time.Duration
	RetryBackoff  time.Duration
}

// SearchConfig bounds catalog and customer lookups.
type SearchConfig struct {
	CatalogCacheTTL    time.Duration
	CatalogLimit       int
	CustomerMinChars   int
	CustomerLimit      int
	RateLimitPerMinute int
	// InvoiceRate is an ulule/limiter formatted rate such as "30-M".
	InvoiceRate string
}

type QueueConfig struct {
	RedisPrefix       string
	ConcurrencyEmail  int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
}

type NotifyConfig struct {
	EmailEnabled bool
	EmailFrom    string

	SendAttempts        int
	SendBackoff         time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	// SentTTL is how long a delivered invoice email is remembered.
	SentTTL time.Duration
}

// ObsConfig mirrors the OBS_* variables.
type ObsConfig struct {
	LogFormat      string
	LogLevel       string
	MetricsEnabled bool
	TracingEnabled bool
	ServiceName    string
	OTLPEndpoint   string
	SampleRatio    float64
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
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		SecurityHeaders:    parseBoolDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
		HSTS:               parseBool(k.String("SECURITY_HSTS_ENABLED")),
		HSTSMaxAge:         parseInt(k.String("SECURITY_HSTS_MAX_AGE"), 31536000),
		IdemTTL:            parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		Billing: BillingConfig{
			GSTRate:          parseDecimal(k.String("BILLING_GST_RATE"), "0.18"),
			CurrencySymbol:   valueOrDefault(k.String("BILLING_CURRENCY_SYMBOL"), "₹"),
			DefaultPriceBook: valueOrDefault(k.String("BILLING_DEFAULT_PRICE_BOOK"), "Retail"),
		},
		Session: SessionConfig{
			TTL:           parseDuration(k.String("SESSION_TTL"), "12h"),
			LockTTL:       parseDuration(k.String("SESSION_LOCK_TTL"), "5s"),
			RetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "25ms"),
			SubmitTimeout: parseDuration(k.String("SESSION_SUBMIT_TIMEOUT"), "30s"),
		},
		Search: SearchConfig{
			CatalogCacheTTL:    parseDuration(k.String("CATALOG_CACHE_TTL"), "60s"),
			CatalogLimit:       parseInt(k.String("CATALOG_SEARCH_LIMIT"), 20),
			CustomerMinChars:   parseInt(k.String("CUSTOMER_SEARCH_MIN_CHARS"), 2),
			CustomerLimit:      parseInt(k.String("CUSTOMER_SEARCH_LIMIT"), 10),
			RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_SEARCH_PER_MIN"), 120),
			InvoiceRate:        valueOrDefault(k.String("RATE_LIMIT_INVOICE"), "30-M"),
		},
		Auth: AuthConfig{
			JWTSecret: strings.TrimSpace(k.String("AUTH_JWT_SECRET")),
			Issuer:    valueOrDefault(k.String("AUTH_ISSUER"), "pos-billing"),
			Audience:  valueOrDefault(k.String("AUTH_AUDIENCE"), "pos-terminal"),
			TokenTTL:  parseDuration(k.String("AUTH_TOKEN_TTL"), "12h"),
			ClockSkew: parseDuration(k.String("AUTH_CLOCK_SKEW"), "30s"),
		},
		Queue: QueueConfig{
			RedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "billing"),
			ConcurrencyEmail:  parseInt(k.String("QUEUE_CONCURRENCY_EMAIL"), 2),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
			BackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "500ms"),
		},
		Notify: NotifyConfig{
			EmailEnabled: parseBoolDefault(k.String("NOTIFY_EMAIL_ENABLED"), true),
			EmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "billing@localhost"),

			SendAttempts:        parseInt(k.String("NOTIFY_SEND_ATTEMPTS"), 3),
			SendBackoff:         parseDuration(k.String("NOTIFY_SEND_BACKOFF"), "200ms"),
			BreakerMinRequests:  parseInt(k.String("NOTIFY_BREAKER_MIN_REQUESTS"), 5),
			BreakerFailureRatio: parseFloat(k.String("NOTIFY_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("NOTIFY_BREAKER_OPEN_FOR"), "30s"),
			SentTTL:             parseDuration(k.String("NOTIFY_SENT_TTL"), "168h"),
		},
		Obs: ObsConfig{
			LogFormat:      valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:       valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled: parseBoolDefault(k.String("OBS_METRICS_ENABLED"), true),
			TracingEnabled: parseBool(k.String("OBS_TRACING_ENABLED")),
			ServiceName:    valueOrDefault(k.String("OBS_SERVICE_NAME"), "pos-billing"),
			OTLPEndpoint:   strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SampleRatio:    parseFloat(k.String("OBS_TRACING_SAMPLE_RATIO"), 0.05),
		},
	}

	if cfg.Billing.GSTRate.IsNegative() || cfg.Billing.GSTRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("BILLING_GST_RATE must be between 0 and 1")
	}
	if !cfg.Billing.GSTRate.Equal(cfg.Billing.GSTRate.Round(4)) {
		return nil, errors.New("BILLING_GST_RATE allows at most 4 decimal places")
	}
	switch strings.ToLower(cfg.Billing.DefaultPriceBook) {
	case "retail":
		cfg.Billing.DefaultPriceBook = "Retail"
	case "wholesale":
		cfg.Billing.DefaultPriceBook = "Wholesale"
	default:
		return nil, fmt.Errorf("BILLING_DEFAULT_PRICE_BOOK %q is not a known price book", cfg.Billing.DefaultPriceBook)
	}
	if cfg.Auth.Enabled() && len(cfg.Auth.JWTSecret) < 32 && cfg.AppEnv == "production" {
		return nil, errors.New("AUTH_JWT_SECRET must be at least 32 bytes in production")
	}
	if cfg.Search.CustomerMinChars < 1 {
		cfg.Search.CustomerMinChars = 1
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
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
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
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
