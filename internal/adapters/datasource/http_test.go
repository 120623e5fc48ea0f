package datasource_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/datasource"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingHttpClient struct {
	err error
}

func (c *failingHttpClient) Do(req *http.Request) (*http.Response, error) {
	return nil, c.err
}

type cantRead struct{}

func (c cantRead) Read(p []byte) (n int, err error) {
	return 0, assert.AnError
}

func (c cantRead) Close() error {
	return nil
}

type unreadableBodyClient struct{}

func (c *unreadableBodyClient) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: cantRead{}}, nil
}

func newLimiter(t *testing.T) ratelimiting.RateLimiter {
	t.Helper()
	limiter, stop := ratelimiting.NewTokenBucketRateLimiter(1000, 1000)
	t.Cleanup(stop)
	return limiter
}

func TestHTTPDataSource(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	nowFunc := func() time.Time {
		return now
	}

	newServer := func(t *testing.T, handler http.HandlerFunc) *httptest.Server {
		t.Helper()
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		return server
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/v1/lookup", r.URL.Path)
			assert.Equal(t, "new york", r.URL.Query().Get("key"))
			assert.Equal(t, "json", r.URL.Query().Get("format"))
			assert.Equal(t, "secret", r.Header.Get("API-Key"))
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			assert.Equal(t, datasource.USER_AGENT, r.UserAgent())

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"New York","population":8336817}`))
		})

		source, err := datasource.NewHTTPDataSource(server.Client(), server.URL+"/v1/lookup?format=json", "secret", newLimiter(t), nowFunc)
		require.NoError(t, err)

		payload, err := source.Fetch(t.Context(), "new york")
		require.NoError(t, err)
		require.Equal(t, domain.Payload{
			Key:       "new york",
			Data:      []byte(`{"name":"New York","population":8336817}`),
			QueriedAt: now,
		}, payload)
	})

	t.Run("no api key header without api key", func(t *testing.T) {
		t.Parallel()

		server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, ok := r.Header["Api-Key"]
			assert.False(t, ok)
			_, _ = w.Write([]byte(`{}`))
		})

		source, err := datasource.NewHTTPDataSource(server.Client(), server.URL, "", newLimiter(t), nowFunc)
		require.NoError(t, err)

		_, err = source.Fetch(t.Context(), "paris")
		require.NoError(t, err)
	})

	t.Run("error statuses become api errors", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			status          int
			body            string
			expectedMessage string
			transient       bool
		}{
			{status: 404, body: `{"success":false,"cause":"No such key"}`, expectedMessage: "No such key"},
			{status: 401, body: `{"error":{"message":"Invalid API key"}}`, expectedMessage: "Invalid API key"},
			{status: 400, body: `{"error":"bad key"}`, expectedMessage: "bad key"},
			{status: 429, body: `{"message":"slow down"}`, expectedMessage: "slow down", transient: true},
			{status: 500, body: `Internal Server Error`, expectedMessage: "", transient: true},
			{status: 503, body: `{"detail":"maintenance"}`, expectedMessage: "maintenance", transient: true},
			{status: 502, body: `{"cause":12}`, expectedMessage: "", transient: true},
		}

		for _, c := range cases {
			t.Run(fmt.Sprintf("%d %s", c.status, c.body), func(t *testing.T) {
				t.Parallel()

				server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(c.status)
					_, _ = w.Write([]byte(c.body))
				})

				source, err := datasource.NewHTTPDataSource(server.Client(), server.URL, "", newLimiter(t), nowFunc)
				require.NoError(t, err)

				_, err = source.Fetch(t.Context(), "paris")

				var apiErr *domain.APIError
				require.ErrorAs(t, err, &apiErr)
				require.Equal(t, c.status, apiErr.StatusCode)
				require.Equal(t, c.expectedMessage, apiErr.Message)
				require.Equal(t, c.transient, apiErr.Transient())
				require.Equal(t, c.transient, domain.Retryable(err))
			})
		}
	})

	t.Run("invalid json is a network error", func(t *testing.T) {
		t.Parallel()

		server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"name":`))
		})

		source, err := datasource.NewHTTPDataSource(server.Client(), server.URL, "", newLimiter(t), nowFunc)
		require.NoError(t, err)

		_, err = source.Fetch(t.Context(), "paris")
		require.ErrorIs(t, err, domain.ErrNetwork)
	})

	t.Run("transport errors are network errors", func(t *testing.T) {
		t.Parallel()

		source, err := datasource.NewHTTPDataSource(&failingHttpClient{err: assert.AnError}, "https://data.example.com", "", newLimiter(t), nowFunc)
		require.NoError(t, err)

		_, err = source.Fetch(t.Context(), "paris")
		require.ErrorIs(t, err, domain.ErrNetwork)
		require.ErrorIs(t, err, assert.AnError)
		require.Equal(t, domain.KindNetwork, domain.Classify(err))
	})

	t.Run("unreadable body is a network error", func(t *testing.T) {
		t.Parallel()

		source, err := datasource.NewHTTPDataSource(&unreadableBodyClient{}, "https://data.example.com", "", newLimiter(t), nowFunc)
		require.NoError(t, err)

		_, err = source.Fetch(t.Context(), "paris")
		require.ErrorIs(t, err, domain.ErrNetwork)
	})

	t.Run("cancellation is not a network error", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-r.Context().Done()
		})

		source, err := datasource.NewHTTPDataSource(server.Client(), server.URL, "", newLimiter(t), nowFunc)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			<-started
			cancel()
		}()

		_, err = source.Fetch(ctx, "paris")
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, domain.ErrNetwork)
		require.Equal(t, domain.KindCancelled, domain.Classify(err))
	})

	t.Run("rate limited requests wait for a token", func(t *testing.T) {
		t.Parallel()

		var requests atomic.Int32
		server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			_, _ = w.Write([]byte(`{}`))
		})

		limiter, stop := ratelimiting.NewTokenBucketRateLimiter(0.001, 1)
		t.Cleanup(stop)

		source, err := datasource.NewHTTPDataSource(server.Client(), server.URL, "", limiter, nowFunc)
		require.NoError(t, err)

		_, err = source.Fetch(t.Context(), "paris")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		_, err = source.Fetch(ctx, "lyon")
		require.ErrorIs(t, err, domain.ErrNetwork)
		require.Equal(t, int32(1), requests.Load())
	})

	t.Run("invalid base url", func(t *testing.T) {
		t.Parallel()

		for _, baseURL := range []string{"ftp://data.example.com", "://", "data.example.com"} {
			_, err := datasource.NewHTTPDataSource(http.DefaultClient, baseURL, "", newLimiter(t), nowFunc)
			require.Error(t, err, baseURL)
		}
	})
}

func TestMockedDataSource(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	source := datasource.NewMockedDataSource(func() time.Time { return now })

	payload, err := source.Fetch(t.Context(), "paris")
	require.NoError(t, err)
	require.Equal(t, "paris", payload.Key)
	require.JSONEq(t, `{"key":"paris","mocked":true}`, string(payload.Data))
	require.Equal(t, now, payload.QueriedAt)

	_, err = source.Fetch(t.Context(), "missing-city")
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.NotFound())
}

func TestNewHTTPDataSourceOrMock(t *testing.T) {
	// Uses t.Setenv, can't run in parallel
	clearEnv := func(t *testing.T) {
		t.Helper()
		for _, variable := range []string{"SENTRY_DSN", "DATA_SOURCE_URL", "DATA_SOURCE_API_KEY"} {
			t.Setenv(variable, "")
		}
	}
	nowFunc := time.Now

	t.Run("development without url uses the mock", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("FETCHCACHE_ENVIRONMENT", "development")
		conf := mustConfig(t)

		source, err := datasource.NewHTTPDataSourceOrMock(conf, http.DefaultClient, newLimiter(t), nowFunc)
		require.NoError(t, err)

		payload, err := source.Fetch(t.Context(), "paris")
		require.NoError(t, err)
		require.True(t, strings.Contains(string(payload.Data), `"mocked":true`))
	})

	t.Run("url configured uses http", func(t *testing.T) {
		clearEnv(t)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"real":true}`)
		}))
		defer server.Close()

		t.Setenv("FETCHCACHE_ENVIRONMENT", "production")
		t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/1")
		t.Setenv("DATA_SOURCE_URL", server.URL)
		conf := mustConfig(t)

		source, err := datasource.NewHTTPDataSourceOrMock(conf, server.Client(), newLimiter(t), nowFunc)
		require.NoError(t, err)

		payload, err := source.Fetch(t.Context(), "paris")
		require.NoError(t, err)
		require.JSONEq(t, `{"real":true}`, string(payload.Data))
	})
}
