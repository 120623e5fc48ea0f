package config_test

import (
	"testing"
	"time"

	"github.com/Amund211/fetchcache/internal/config"
	"github.com/stretchr/testify/require"
)

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

var requiredOutsideDevelopment = []string{"SENTRY_DSN", "DATA_SOURCE_URL"}

var allTunables = []string{
	"PORT",
	"DATA_SOURCE_API_KEY",
	"DATA_SOURCE_RATE_PER_SECOND",
	"DATA_SOURCE_BURST",
	"CACHE_MAX_SIZE",
	"CACHE_TTL",
	"BREAKER_FAILURE_THRESHOLD",
	"BREAKER_RECOVERY_TIMEOUT",
	"RETRY_MAX_RETRIES",
	"RETRY_BASE_DELAY",
	"FETCH_TIMEOUT",
	"CLEANUP_INTERVAL",
	"LATENCY_WINDOW",
	"ALLOWED_ORIGIN_SUFFIXES",
	"OTEL_ENABLED",
}

// Clear the variables so values from the surrounding environment don't leak into the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, variable := range append(append([]string{}, requiredOutsideDevelopment...), allTunables...) {
		t.Setenv(variable, "")
	}
}

func TestGetConfig(t *testing.T) {
	compareEnv := func(env environment, conf config.Config) {
		t.Helper()
		require.Equal(t, env == production, conf.IsProduction())
		require.Equal(t, env == staging, conf.IsStaging())
		require.Equal(t, env == development, conf.IsDevelopment())
	}

	t.Run("environment is missing", func(t *testing.T) {
		// FETCHCACHE_ENVIRONMENT is required, so this should fail
		_, err := config.ConfigFromEnv()
		require.ErrorIs(t, err, config.ErrMissingRequiredValue)
	})

	t.Run("development defaults", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("FETCHCACHE_ENVIRONMENT", "development")

		conf, err := config.ConfigFromEnv()
		require.NoError(t, err)
		compareEnv(development, conf)

		require.Equal(t, "8123", conf.Port())
		require.Equal(t, "", conf.SentryDSN())
		require.Equal(t, "", conf.DataSourceURL())
		require.Equal(t, "", conf.DataSourceAPIKey())
		require.InDelta(t, 10.0, conf.DataSourceRatePerSecond(), 1e-9)
		require.Equal(t, 20, conf.DataSourceBurst())
		require.Equal(t, 50, conf.CacheMaxSize())
		require.Equal(t, 300*time.Second, conf.CacheTTL())
		require.Equal(t, uint(5), conf.BreakerFailureThreshold())
		require.Equal(t, 60*time.Second, conf.BreakerRecoveryTimeout())
		require.Equal(t, 3, conf.RetryMaxRetries())
		require.Equal(t, time.Second, conf.RetryBaseDelay())
		require.Equal(t, 10*time.Second, conf.FetchTimeout())
		require.Equal(t, 60*time.Second, conf.CleanupInterval())
		require.Equal(t, 100, conf.LatencyWindow())
		require.Empty(t, conf.AllowedOriginSuffixes())
		require.False(t, conf.OTelEnabled())
	})

	t.Run("values are read correctly", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/1")
		t.Setenv("DATA_SOURCE_URL", "https://data.example.com/v1/lookup")
		t.Setenv("PORT", "9000")
		t.Setenv("DATA_SOURCE_API_KEY", "secret")
		t.Setenv("DATA_SOURCE_RATE_PER_SECOND", "2.5")
		t.Setenv("DATA_SOURCE_BURST", "4")
		t.Setenv("CACHE_MAX_SIZE", "0")
		t.Setenv("CACHE_TTL", "90s")
		t.Setenv("BREAKER_FAILURE_THRESHOLD", "2")
		t.Setenv("BREAKER_RECOVERY_TIMEOUT", "5m")
		t.Setenv("RETRY_MAX_RETRIES", "0")
		t.Setenv("RETRY_BASE_DELAY", "250ms")
		t.Setenv("FETCH_TIMEOUT", "0s")
		t.Setenv("CLEANUP_INTERVAL", "10s")
		t.Setenv("LATENCY_WINDOW", "10")
		t.Setenv("ALLOWED_ORIGIN_SUFFIXES", "example.com, , staging.example.dev")
		t.Setenv("OTEL_ENABLED", "true")

		for _, env := range []environment{production, staging, development} {
			t.Run(string(env), func(t *testing.T) {
				t.Setenv("FETCHCACHE_ENVIRONMENT", string(env))

				conf, err := config.ConfigFromEnv()
				require.NoError(t, err)
				compareEnv(env, conf)

				require.Equal(t, "9000", conf.Port())
				require.Equal(t, "https://key@sentry.example.com/1", conf.SentryDSN())
				require.Equal(t, "https://data.example.com/v1/lookup", conf.DataSourceURL())
				require.Equal(t, "secret", conf.DataSourceAPIKey())
				require.InDelta(t, 2.5, conf.DataSourceRatePerSecond(), 1e-9)
				require.Equal(t, 4, conf.DataSourceBurst())
				require.Equal(t, 0, conf.CacheMaxSize())
				require.Equal(t, 90*time.Second, conf.CacheTTL())
				require.Equal(t, uint(2), conf.BreakerFailureThreshold())
				require.Equal(t, 5*time.Minute, conf.BreakerRecoveryTimeout())
				require.Equal(t, 0, conf.RetryMaxRetries())
				require.Equal(t, 250*time.Millisecond, conf.RetryBaseDelay())
				require.Equal(t, time.Duration(0), conf.FetchTimeout())
				require.Equal(t, 10*time.Second, conf.CleanupInterval())
				require.Equal(t, 10, conf.LatencyWindow())
				require.Equal(t, []string{"example.com", "staging.example.dev"}, conf.AllowedOriginSuffixes())
				require.True(t, conf.OTelEnabled())

				require.NotContains(t, conf.NonSensitiveString(), "secret")
				require.NotContains(t, conf.NonSensitiveString(), "sentry.example.com")
			})
		}
	})

	t.Run("otel defaults to enabled outside development", func(t *testing.T) {
		clearEnv(t)
		for _, variable := range requiredOutsideDevelopment {
			t.Setenv(variable, "placeholder_value")
		}
		t.Setenv("FETCHCACHE_ENVIRONMENT", "production")

		conf, err := config.ConfigFromEnv()
		require.NoError(t, err)
		require.True(t, conf.OTelEnabled())
	})

	t.Run("production and staging fail when missing variables", func(t *testing.T) {
		clearEnv(t)
		for _, variable := range requiredOutsideDevelopment {
			t.Setenv(variable, "placeholder_value")
		}

		for _, env := range []environment{production, staging} {
			t.Run(string(env), func(t *testing.T) {
				t.Setenv("FETCHCACHE_ENVIRONMENT", string(env))

				for _, variable := range requiredOutsideDevelopment {
					t.Run(variable, func(t *testing.T) {
						t.Setenv(variable, "")

						_, err := config.ConfigFromEnv()
						require.ErrorIs(t, err, config.ErrMissingRequiredValue)
					})
				}
			})
		}
	})

	t.Run("invalid environment", func(t *testing.T) {
		for _, env := range []string{"", "invalid", "my-env"} {
			t.Run(env, func(t *testing.T) {
				t.Setenv("FETCHCACHE_ENVIRONMENT", env)
				_, err := config.ConfigFromEnv()
				require.ErrorIs(t, err, config.ErrInvalidValue)
			})
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		cases := []struct {
			variable string
			value    string
		}{
			{variable: "DATA_SOURCE_RATE_PER_SECOND", value: "fast"},
			{variable: "DATA_SOURCE_RATE_PER_SECOND", value: "0"},
			{variable: "DATA_SOURCE_BURST", value: "0"},
			{variable: "CACHE_MAX_SIZE", value: "-1"},
			{variable: "CACHE_MAX_SIZE", value: "many"},
			{variable: "CACHE_TTL", value: "300"},
			{variable: "CACHE_TTL", value: "0s"},
			{variable: "BREAKER_FAILURE_THRESHOLD", value: "0"},
			{variable: "BREAKER_RECOVERY_TIMEOUT", value: "-1s"},
			{variable: "RETRY_MAX_RETRIES", value: "-1"},
			{variable: "FETCH_TIMEOUT", value: "soon"},
			{variable: "CLEANUP_INTERVAL", value: "0s"},
			{variable: "LATENCY_WINDOW", value: "0"},
			{variable: "OTEL_ENABLED", value: "maybe"},
		}

		for _, c := range cases {
			t.Run(c.variable+"="+c.value, func(t *testing.T) {
				clearEnv(t)
				t.Setenv("FETCHCACHE_ENVIRONMENT", "development")
				t.Setenv(c.variable, c.value)

				_, err := config.ConfigFromEnv()
				require.ErrorIs(t, err, config.ErrInvalidValue)
				require.ErrorContains(t, err, c.variable)
			})
		}
	})
}
