package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/dustin/go-humanize"
)

// statisticsView is the statistics as served by GET /v1/statistics
type statisticsView struct {
	Hits           uint64     `json:"hits"`
	Misses         uint64     `json:"misses"`
	HitRate        float64    `json:"hitRate"`
	AvgLatencyMs   float64    `json:"avgLatencyMs"`
	LatencySamples int        `json:"latencySamples"`
	Requests       uint64     `json:"requests"`
	Failures       uint64     `json:"failures"`
	Size           int        `json:"size"`
	MaxSize        int        `json:"maxSize"`
	OldestEntry    *time.Time `json:"oldestEntry"`
	NewestEntry    *time.Time `json:"newestEntry"`
	BreakerState   string     `json:"breakerState"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewFromStatistics(stats app.Statistics) statisticsView {
	return statisticsView{
		Hits:           stats.Hits,
		Misses:         stats.Misses,
		HitRate:        stats.HitRate,
		AvgLatencyMs:   float64(stats.AvgLatency.Microseconds()) / 1000,
		LatencySamples: stats.LatencySamples,
		Requests:       stats.Requests,
		Failures:       stats.Failures,
		Size:           stats.Size,
		MaxSize:        stats.MaxSize,
		OldestEntry:    optionalTime(stats.OldestEntry),
		NewestEntry:    optionalTime(stats.NewestEntry),
		BreakerState:   stats.BreakerState.String(),
	}
}

func renderAge(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func renderStatistics(w io.Writer, stats statisticsView, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	rows := []struct {
		name  string
		value string
	}{
		{"Hits", humanize.Comma(int64(stats.Hits))},
		{"Misses", humanize.Comma(int64(stats.Misses))},
		{"Hit rate", humanize.FtoaWithDigits(stats.HitRate*100, 1) + "%"},
		{"Fetches", humanize.Comma(int64(stats.Requests))},
		{"Failed fetches", humanize.Comma(int64(stats.Failures))},
		{"Avg latency", fmt.Sprintf("%sms over %d fetches", humanize.FtoaWithDigits(stats.AvgLatencyMs, 2), stats.LatencySamples)},
		{"Entries", fmt.Sprintf("%s / %s", humanize.Comma(int64(stats.Size)), humanize.Comma(int64(stats.MaxSize)))},
		{"Oldest entry", renderAge(stats.OldestEntry, now)},
		{"Newest entry", renderAge(stats.NewestEntry, now)},
		{"Circuit breaker", stats.BreakerState},
	}

	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", row.name, row.value); err != nil {
			return err
		}
	}

	return tw.Flush()
}
