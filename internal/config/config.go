package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

const (
	defaultPort                    = "8123"
	defaultDataSourceRatePerSecond = 10.0
	defaultDataSourceBurst         = 20
	defaultCacheMaxSize            = 50
	defaultCacheTTL                = 300 * time.Second
	defaultBreakerFailureThreshold = 5
	defaultBreakerRecoveryTimeout  = 60 * time.Second
	defaultRetryMaxRetries         = 3
	defaultRetryBaseDelay          = 1 * time.Second
	defaultFetchTimeout            = 10 * time.Second
	defaultCleanupInterval         = 60 * time.Second
	defaultLatencyWindow           = 100
)

type Config struct {
	env       environment
	port      string
	sentryDSN string

	dataSourceURL           string
	dataSourceAPIKey        string
	dataSourceRatePerSecond float64
	dataSourceBurst         int

	cacheMaxSize            int
	cacheTTL                time.Duration
	breakerFailureThreshold uint
	breakerRecoveryTimeout  time.Duration
	retryMaxRetries         int
	retryBaseDelay          time.Duration
	fetchTimeout            time.Duration
	cleanupInterval         time.Duration
	latencyWindow           int

	allowedOriginSuffixes []string
	otelEnabled           bool
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

// Empty in development when the mocked data source should be used
func (c *Config) DataSourceURL() string {
	return c.dataSourceURL
}

func (c *Config) DataSourceAPIKey() string {
	return c.dataSourceAPIKey
}

func (c *Config) DataSourceRatePerSecond() float64 {
	return c.dataSourceRatePerSecond
}

func (c *Config) DataSourceBurst() int {
	return c.dataSourceBurst
}

func (c *Config) CacheMaxSize() int {
	return c.cacheMaxSize
}

func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

func (c *Config) BreakerFailureThreshold() uint {
	return c.breakerFailureThreshold
}

func (c *Config) BreakerRecoveryTimeout() time.Duration {
	return c.breakerRecoveryTimeout
}

func (c *Config) RetryMaxRetries() int {
	return c.retryMaxRetries
}

func (c *Config) RetryBaseDelay() time.Duration {
	return c.retryBaseDelay
}

// Zero disables the timeout
func (c *Config) FetchTimeout() time.Duration {
	return c.fetchTimeout
}

func (c *Config) CleanupInterval() time.Duration {
	return c.cleanupInterval
}

func (c *Config) LatencyWindow() int {
	return c.latencyWindow
}

func (c *Config) AllowedOriginSuffixes() []string {
	return c.allowedOriginSuffixes
}

func (c *Config) OTelEnabled() bool {
	return c.otelEnabled
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, dataSourceURL: %q, cacheMaxSize: %d, cacheTTL: %s, breakerFailureThreshold: %d, breakerRecoveryTimeout: %s, retryMaxRetries: %d, retryBaseDelay: %s, fetchTimeout: %s, ...}",
		string(c.env),
		c.port,
		c.dataSourceURL,
		c.cacheMaxSize,
		c.cacheTTL,
		c.breakerFailureThreshold,
		c.breakerRecoveryTimeout,
		c.retryMaxRetries,
		c.retryBaseDelay,
		c.fetchTimeout,
	)
}

type parser struct {
	err error
}

func (p *parser) invalid(key, raw string, reason string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s (%s): %s", ErrInvalidValue, key, raw, reason)
	}
}

func (p *parser) int(key string, fallback int, minimum int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.invalid(key, raw, err.Error())
		return fallback
	}
	if value < minimum {
		p.invalid(key, raw, fmt.Sprintf("must be at least %d", minimum))
		return fallback
	}
	return value
}

func (p *parser) float(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.invalid(key, raw, err.Error())
		return fallback
	}
	if value <= 0 {
		p.invalid(key, raw, "must be positive")
		return fallback
	}
	return value
}

func (p *parser) duration(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		p.invalid(key, raw, err.Error())
		return fallback
	}
	if value < 0 || (value == 0 && !allowZero) {
		p.invalid(key, raw, "must be positive")
		return fallback
	}
	return value
}

func (p *parser) bool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.invalid(key, raw, err.Error())
		return fallback
	}
	return value
}

func parseSuffixes(raw string) []string {
	suffixes := []string{}
	for suffix := range strings.SplitSeq(raw, ",") {
		suffix = strings.TrimSpace(suffix)
		if suffix != "" {
			suffixes = append(suffixes, suffix)
		}
	}
	return suffixes
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("FETCHCACHE_ENVIRONMENT")
	if !ok {
		return missingKey("FETCHCACHE_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, fmt.Errorf("%w: FETCHCACHE_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	sentryDSN := os.Getenv("SENTRY_DSN")
	dataSourceURL := os.Getenv("DATA_SOURCE_URL")
	dataSourceAPIKey := os.Getenv("DATA_SOURCE_API_KEY")

	if env == production || env == staging {
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
		if dataSourceURL == "" {
			return missingKey("DATA_SOURCE_URL")
		}
	}

	p := &parser{}
	conf := Config{
		env:       env,
		port:      port,
		sentryDSN: sentryDSN,

		dataSourceURL:           dataSourceURL,
		dataSourceAPIKey:        dataSourceAPIKey,
		dataSourceRatePerSecond: p.float("DATA_SOURCE_RATE_PER_SECOND", defaultDataSourceRatePerSecond),
		dataSourceBurst:         p.int("DATA_SOURCE_BURST", defaultDataSourceBurst, 1),

		cacheMaxSize:            p.int("CACHE_MAX_SIZE", defaultCacheMaxSize, 0),
		cacheTTL:                p.duration("CACHE_TTL", defaultCacheTTL, false),
		breakerFailureThreshold: uint(p.int("BREAKER_FAILURE_THRESHOLD", defaultBreakerFailureThreshold, 1)),
		breakerRecoveryTimeout:  p.duration("BREAKER_RECOVERY_TIMEOUT", defaultBreakerRecoveryTimeout, true),
		retryMaxRetries:         p.int("RETRY_MAX_RETRIES", defaultRetryMaxRetries, 0),
		retryBaseDelay:          p.duration("RETRY_BASE_DELAY", defaultRetryBaseDelay, true),
		fetchTimeout:            p.duration("FETCH_TIMEOUT", defaultFetchTimeout, true),
		cleanupInterval:         p.duration("CLEANUP_INTERVAL", defaultCleanupInterval, false),
		latencyWindow:           p.int("LATENCY_WINDOW", defaultLatencyWindow, 1),

		allowedOriginSuffixes: parseSuffixes(os.Getenv("ALLOWED_ORIGIN_SUFFIXES")),
		otelEnabled:           p.bool("OTEL_ENABLED", env != development),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	return conf, nil
}
