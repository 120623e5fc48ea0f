package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const USER_AGENT = "fetchcache/0.1.0 (+https://github.com/Amund211/fetchcache)"

// All requests to the data source share one token bucket
const limiterKey = "datasource"

// Responses larger than this are rejected
const maxBodySize = 10 << 20

// Paths tried in order when looking for a human readable message in an error response
var errorMessagePaths = []string{"cause", "error.message", "error", "message", "detail"}

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type DataSource interface {
	// Fetch gets the payload for a normalized key
	Fetch(ctx context.Context, key string) (domain.Payload, error)
}

type httpDataSourceMetricsCollection struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func setupHTTPDataSourceMetrics(meter metric.Meter) (httpDataSourceMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("datasource/http/request_count")
	if err != nil {
		return httpDataSourceMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"datasource/http/request_duration",
		metric.WithUnit("ms"),
	)
	if err != nil {
		return httpDataSourceMetricsCollection{}, fmt.Errorf("failed to create request duration metric: %w", err)
	}

	return httpDataSourceMetricsCollection{
		requestCount:    requestCount,
		requestDuration: requestDuration,
	}, nil
}

type httpDataSource struct {
	httpClient HttpClient
	baseURL    string
	apiKey     string
	limiter    ratelimiting.RateLimiter
	nowFunc    func() time.Time

	metrics httpDataSourceMetricsCollection
	tracer  trace.Tracer
}

func NewHTTPDataSource(httpClient HttpClient, baseURL string, apiKey string, limiter ratelimiting.RateLimiter, nowFunc func() time.Time) (*httpDataSource, error) {
	const name = "fetchcache/datasource/http"

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid data source url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid data source url: unsupported scheme %q", parsed.Scheme)
	}

	metrics, err := setupHTTPDataSourceMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &httpDataSource{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    limiter,
		nowFunc:    nowFunc,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

func (s *httpDataSource) requestURL(key string) string {
	parsed, _ := url.Parse(s.baseURL)
	query := parsed.Query()
	query.Set("key", key)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// cancelled reports whether the request failed because ctx ended, rather than the data source
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func (s *httpDataSource) Fetch(ctx context.Context, key string) (domain.Payload, error) {
	ctx, span := s.tracer.Start(ctx, "HTTPDataSource.Fetch")
	defer span.End()

	logger := logging.FromContext(ctx)

	err := s.limiter.Wait(ctx, limiterKey)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Payload{}, fmt.Errorf("cancelled while waiting for rate limit: %w", context.Cause(ctx))
		}
		// Waiting would exceed the deadline of ctx
		return domain.Payload{}, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	requestURL := s.requestURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return domain.Payload{}, err
	}

	req.Header.Set("User-Agent", USER_AGENT)
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("API-Key", s.apiKey)
	}

	start := s.nowFunc()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if cancelled(ctx, err) {
			return domain.Payload{}, fmt.Errorf("request cancelled: %w", err)
		}
		err := fmt.Errorf("%w: failed to send request: %w", domain.ErrNetwork, err)
		reporting.Report(ctx, err)
		return domain.Payload{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		if cancelled(ctx, err) {
			return domain.Payload{}, fmt.Errorf("request cancelled: %w", err)
		}
		err := fmt.Errorf("%w: failed to read response body: %w", domain.ErrNetwork, err)
		reporting.Report(ctx, err)
		return domain.Payload{}, err
	}
	queriedAt := s.nowFunc()
	duration := queriedAt.Sub(start)

	s.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status_code", strconv.Itoa(resp.StatusCode))))
	s.metrics.requestDuration.Record(ctx, float64(duration.Microseconds())/1000)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	logger.InfoContext(
		ctx,
		"data source request completed",
		slog.Int("status", resp.StatusCode),
		slog.String("duration", duration.String()),
	)

	payload, err := payloadFromResponse(key, resp.StatusCode, data, queriedAt)
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && (apiErr.NotFound() || apiErr.StatusCode == http.StatusTooManyRequests) {
			// Expected, don't report
			return domain.Payload{}, err
		}

		reporting.Report(ctx, err, map[string]string{
			"status": strconv.Itoa(resp.StatusCode),
			"data":   fmt.Sprintf("%.500s", string(data)),
		})
		return domain.Payload{}, err
	}

	return payload, nil
}

func payloadFromResponse(key string, statusCode int, data []byte, queriedAt time.Time) (domain.Payload, error) {
	if statusCode != http.StatusOK {
		return domain.Payload{}, &domain.APIError{
			StatusCode: statusCode,
			Message:    errorMessage(data),
		}
	}

	if len(data) > maxBodySize {
		return domain.Payload{}, fmt.Errorf("%w: response body exceeds %d bytes", domain.ErrNetwork, maxBodySize)
	}

	if !gjson.ValidBytes(data) {
		return domain.Payload{}, fmt.Errorf("%w: data source returned invalid JSON", domain.ErrNetwork)
	}

	return domain.Payload{
		Key:       key,
		Data:      data,
		QueriedAt: queriedAt,
	}, nil
}

// errorMessage extracts a message from a JSON error body. Empty if none was found.
func errorMessage(data []byte) string {
	if !gjson.ValidBytes(data) {
		return ""
	}

	for _, path := range errorMessagePaths {
		result := gjson.GetBytes(data, path)
		if result.Type == gjson.String && result.Str != "" {
			return fmt.Sprintf("%.200s", result.Str)
		}
	}
	return ""
}
