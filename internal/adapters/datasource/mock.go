package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Amund211/fetchcache/internal/config"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
)

// mockedDataSource answers every key without network access. Keys starting with "missing" are not found.
type mockedDataSource struct {
	nowFunc func() time.Time
}

func (s *mockedDataSource) Fetch(ctx context.Context, key string) (domain.Payload, error) {
	if strings.HasPrefix(key, "missing") {
		return domain.Payload{}, &domain.APIError{StatusCode: http.StatusNotFound, Message: "mocked not found"}
	}

	data, err := json.Marshal(map[string]any{"key": key, "mocked": true})
	if err != nil {
		return domain.Payload{}, fmt.Errorf("failed to marshal mocked payload: %w", err)
	}

	return domain.Payload{
		Key:       key,
		Data:      data,
		QueriedAt: s.nowFunc(),
	}, nil
}

func NewMockedDataSource(nowFunc func() time.Time) DataSource {
	return &mockedDataSource{nowFunc: nowFunc}
}

func NewHTTPDataSourceOrMock(conf config.Config, httpClient HttpClient, limiter ratelimiting.RateLimiter, nowFunc func() time.Time) (DataSource, error) {
	if conf.DataSourceURL() != "" {
		return NewHTTPDataSource(httpClient, conf.DataSourceURL(), conf.DataSourceAPIKey(), limiter, nowFunc)
	}
	if conf.IsDevelopment() {
		return NewMockedDataSource(nowFunc), nil
	}
	return nil, fmt.Errorf("Missing data source url in non-development environment")
}
