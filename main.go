package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/datasource"
	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/config"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ports"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/Amund211/fetchcache/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	// Root certificates for minimal container images
	_ "golang.org/x/crypto/x509roots/fallback"
)

const statisticsStreamInterval = 1 * time.Second

const shutdownTimeout = 10 * time.Second

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(
		logging.NewTracingLogHandler(slog.NewJSONHandler(os.Stdout, nil)),
	).With("instanceID", instanceID)
	slog.SetDefault(logger)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	if config.OTelEnabled() {
		shutdownOTel, err := telemetry.SetupOTelSDK(ctx, "fetchcache", instanceID)
		if err != nil {
			fail("Failed to set up OpenTelemetry", "error", err.Error())
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownOTel(shutdownCtx); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	dataSourceLimiter, stopDataSourceLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(config.DataSourceRatePerSecond()),
		ratelimiting.BurstSize(config.DataSourceBurst()),
	)
	defer stopDataSourceLimiter()

	dataSource, err := datasource.NewHTTPDataSourceOrMock(config, httpClient, dataSourceLimiter, time.Now)
	if err != nil {
		fail("Failed to initialize data source", "error", err.Error())
	}
	logger.Info("Initialized data source")

	resolver, err := app.NewResolver[domain.Payload](
		"datasource",
		dataSource.Fetch,
		app.ResolverOptionsFromConfig(config),
		app.WithLogger(logger.With("component", "resolver")),
	)
	if err != nil {
		fail("Failed to initialize resolver", "error", err.Error())
	}
	defer resolver.Close()
	logger.Info("Initialized resolver")

	allowedOrigins, err := ports.NewDomainSuffixes(config.AllowedOriginSuffixes()...)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}

	metricsHandler, err := ports.MakeMetricsHandler(resolver.Statistics)
	if err != nil {
		fail("Failed to initialize metrics handler", "error", err.Error())
	}

	// Closed by the server when it starts shutting down, to end the statistics streams
	streams, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()

	mux := http.NewServeMux()

	mux.HandleFunc(
		"OPTIONS /v1/resolve/{key}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/resolve/{key}",
		ports.MakeResolveHandler(
			resolver.ResolveFor,
			allowedOrigins,
			logger.With("port", "resolve"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/cache/{key}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"DELETE /v1/cache/{key}",
		ports.MakeInvalidateHandler(
			resolver.Invalidate,
			allowedOrigins,
			logger.With("port", "invalidate"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/cache",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"DELETE /v1/cache",
		ports.MakeClearHandler(
			resolver.Clear,
			allowedOrigins,
			logger.With("port", "clear"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/statistics",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/statistics",
		ports.MakeGetStatisticsHandler(
			resolver.Statistics,
			allowedOrigins,
			logger.With("port", "statistics"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"GET /v1/statistics/stream",
		ports.MakeStatisticsStreamHandler(
			resolver.Statistics,
			statisticsStreamInterval,
			streams.Done(),
			allowedOrigins,
			logger.With("port", "statisticsstream"),
			sentryMiddleware,
		),
	)

	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port()),
		Handler:           otelhttp.NewHandler(mux, "fetchcache"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(stopStreams)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Init complete", "addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error("Server error", "error", err.Error())
	}
	logger.Info("Server shutdown")
}
