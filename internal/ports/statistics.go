package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
)

type statisticsResponse struct {
	Success        bool    `json:"success"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	LatencySamples int     `json:"latencySamples"`
	Requests       uint64  `json:"requests"`
	Failures       uint64  `json:"failures"`
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxSize"`
	OldestEntry    *string `json:"oldestEntry"`
	NewestEntry    *string `json:"newestEntry"`
	BreakerState   string  `json:"breakerState"`
}

func formatOptionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func makeStatisticsResponse(stats app.Statistics) ([]byte, error) {
	return json.Marshal(statisticsResponse{
		Success:        true,
		Hits:           stats.Hits,
		Misses:         stats.Misses,
		HitRate:        stats.HitRate,
		AvgLatencyMs:   float64(stats.AvgLatency.Microseconds()) / 1000,
		LatencySamples: stats.LatencySamples,
		Requests:       stats.Requests,
		Failures:       stats.Failures,
		Size:           stats.Size,
		MaxSize:        stats.MaxSize,
		OldestEntry:    formatOptionalTime(stats.OldestEntry),
		NewestEntry:    formatOptionalTime(stats.NewestEntry),
		BreakerState:   stats.BreakerState.String(),
	})
}

func MakeGetStatisticsHandler(
	getStatistics app.GetStatistics,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	ipLimiter, _ := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(4),
		ratelimiting.BurstSize(120),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	middleware := buildHandlerMiddleware("statistics", ipRateLimiter, allowedOrigins, rootLogger, sentryMiddleware)

	handler := func(w http.ResponseWriter, r *http.Request) {
		response, err := makeStatisticsResponse(getStatistics())
		if err != nil {
			reporting.Report(r.Context(), fmt.Errorf("failed to create statistics response: %w", err))
			writeErrorResponse(w, http.StatusInternalServerError, "internal server error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(response)
	}

	return middleware(handler)
}
