package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
)

type resolveResponse struct {
	Success   bool            `json:"success"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	QueriedAt string          `json:"queriedAt"`
}

func makeResolveResponse(payload domain.Payload) ([]byte, error) {
	data := payload.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(resolveResponse{
		Success:   true,
		Key:       payload.Key,
		Data:      data,
		QueriedAt: payload.QueriedAt.UTC().Format(time.RFC3339Nano),
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, cause string) {
	response, err := json.Marshal(struct {
		Success bool   `json:"success"`
		Cause   string `json:"cause"`
	}{
		Success: false,
		Cause:   cause,
	})
	if err != nil {
		statusCode = http.StatusInternalServerError
		response = []byte(`{"success":false,"cause":"internal server error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(response)
}

func MakeResolveHandler(
	resolvePayload app.ResolvePayload,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	ipLimiter, _ := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(240),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	middleware := buildHandlerMiddleware("resolve", ipRateLimiter, allowedOrigins, rootLogger, sentryMiddleware)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.PathValue("key")
		subject := r.Header.Get("X-Subject-Id")

		payload, err := resolvePayload(ctx, subject, key)
		if err != nil {
			statusCode, cause := statusForError(err)
			logging.FromContext(ctx).InfoContext(
				ctx,
				"Resolve failed",
				slog.Int("statusCode", statusCode),
				slog.String("error", err.Error()),
			)
			writeErrorResponse(w, statusCode, cause)
			return
		}

		response, err := makeResolveResponse(payload)
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to create resolve response: %w", err))
			writeErrorResponse(w, http.StatusInternalServerError, "internal server error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(response)
	}

	return middleware(handler)
}
