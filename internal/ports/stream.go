package ports

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
)

// MakeStatisticsStreamHandler upgrades to a websocket and pushes a statistics snapshot right away and
// then every interval, until the client goes away, the request context is cancelled or shutdown is
// closed. http.Server.Shutdown does not wait for hijacked connections, so the server closes shutdown
// when it starts shutting down.
// Messages from the client are read and discarded.
func MakeStatisticsStreamHandler(
	getStatistics app.GetStatistics,
	interval time.Duration,
	shutdown <-chan struct{},
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	ipLimiter, _ := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(0.5),
		ratelimiting.BurstSize(10),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	middleware := buildHandlerMiddleware("statistics_stream", ipRateLimiter, allowedOrigins, rootLogger, sentryMiddleware)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return allowedOrigins.AnyMatchOrEmpty(r.Header.Get("Origin"))
		},
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already written an error response
			logger.InfoContext(ctx, "Failed to upgrade statistics stream", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		logger.InfoContext(ctx, "Statistics stream opened")
		defer logger.InfoContext(ctx, "Statistics stream closed")

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)

			conn.SetReadLimit(1024)
			conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func() bool {
			message, err := makeStatisticsResponse(getStatistics())
			if err != nil {
				reporting.Report(ctx, fmt.Errorf("failed to create statistics message: %w", err))
				return false
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, message) == nil
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pingTicker := time.NewTicker(streamPingInterval)
		defer pingTicker.Stop()

		if !send() {
			return
		}
		for {
			select {
			case <-shutdown:
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteTimeout),
				)
				return
			case <-ctx.Done():
				return
			case <-clientGone:
				return
			case <-pingTicker.C:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
				if err != nil {
					return
				}
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}

	return middleware(handler)
}
