package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/datasource"
	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/config"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/urfave/cli/v3"
)

// NewApp writes command output to w and logs to errW
func NewApp(w io.Writer, errW io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "fetchcache",
		Usage:     "inspect and exercise the fetch cache",
		Writer:    w,
		ErrWriter: errW,
		Commands: []*cli.Command{
			resolveCommand(),
			statsCommand(),
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "resolve keys in process and print the values and statistics",
		UsageText: "fetchcache resolve [options] KEY...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "use the mocked data source instead of the configured one",
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "subject the keys are resolved for",
			},
			&cli.IntFlag{
				Name:  "repeat",
				Usage: "resolve every key this many times",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log resolver activity to stderr",
			},
		},
		Action: resolveAction,
	}
}

func newDataSource(cmd *cli.Command) (datasource.DataSource, app.ResolverOptions, func(), error) {
	if cmd.Bool("mock") {
		return datasource.NewMockedDataSource(time.Now), app.DefaultResolverOptions(), func() {}, nil
	}

	conf, err := config.ConfigFromEnv()
	if err != nil {
		return nil, app.ResolverOptions{}, nil, fmt.Errorf("failed to load config (use --mock to skip): %w", err)
	}

	limiter, stopLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(conf.DataSourceRatePerSecond()),
		ratelimiting.BurstSize(conf.DataSourceBurst()),
	)
	dataSource, err := datasource.NewHTTPDataSourceOrMock(conf, &http.Client{}, limiter, time.Now)
	if err != nil {
		stopLimiter()
		return nil, app.ResolverOptions{}, nil, err
	}

	return dataSource, app.ResolverOptionsFromConfig(conf), stopLimiter, nil
}

func resolveAction(ctx context.Context, cmd *cli.Command) error {
	keys := cmd.Args().Slice()
	if len(keys) == 0 {
		return fmt.Errorf("at least one key is required")
	}
	w := cmd.Root().Writer

	logLevel := slog.LevelWarn
	if cmd.Bool("verbose") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.Root().ErrWriter, &slog.HandlerOptions{Level: logLevel}))
	ctx = logging.AddToContext(ctx, logger)

	dataSource, options, stop, err := newDataSource(cmd)
	if err != nil {
		return err
	}
	defer stop()

	resolver, err := app.NewResolver[domain.Payload]("datasource", dataSource.Fetch, options, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	defer resolver.Close()

	failed := 0
	for range max(cmd.Int("repeat"), 1) {
		for _, key := range keys {
			payload, err := resolver.ResolveFor(ctx, cmd.String("subject"), key)
			if err != nil {
				failed++
				fmt.Fprintf(w, "%s\terror (%s): %v\n", key, domain.Classify(err), err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", payload.Key, strings.TrimSpace(string(payload.Data)))
		}
	}

	fmt.Fprintln(w)
	if err := renderStatistics(w, viewFromStatistics(resolver.Statistics()), time.Now()); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d lookups failed", failed)
	}
	return nil
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print the statistics of a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "base url of the server",
				Value: "http://localhost:8123",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: statsAction,
	}
}

func fetchStatistics(ctx context.Context, httpClient *http.Client, server string) (statisticsView, error) {
	url := strings.TrimRight(server, "/") + "/v1/statistics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statisticsView{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return statisticsView{}, fmt.Errorf("failed to get statistics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statisticsView{}, fmt.Errorf("server returned status code %d", resp.StatusCode)
	}

	var stats statisticsView
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return statisticsView{}, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return stats, nil
}

func statsAction(ctx context.Context, cmd *cli.Command) error {
	httpClient := &http.Client{Timeout: cmd.Duration("timeout")}

	stats, err := fetchStatistics(ctx, httpClient, cmd.String("server"))
	if err != nil {
		return err
	}

	return renderStatistics(cmd.Root().Writer, stats, time.Now())
}
