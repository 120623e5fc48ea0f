package ports

import (
	"net/http"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statisticsCollector exposes the resolver statistics as Prometheus metrics.
// Every scrape takes a fresh snapshot.
type statisticsCollector struct {
	getStatistics app.GetStatistics

	hits           *prometheus.Desc
	misses         *prometheus.Desc
	hitRate        *prometheus.Desc
	requests       *prometheus.Desc
	failures       *prometheus.Desc
	avgLatency     *prometheus.Desc
	latencySamples *prometheus.Desc
	size           *prometheus.Desc
	maxSize        *prometheus.Desc
	breakerState   *prometheus.Desc
}

func NewStatisticsCollector(getStatistics app.GetStatistics) prometheus.Collector {
	return &statisticsCollector{
		getStatistics: getStatistics,

		hits:           prometheus.NewDesc("fetchcache_cache_hits_total", "Lookups served from the cache since the last clear", nil, nil),
		misses:         prometheus.NewDesc("fetchcache_cache_misses_total", "Lookups not served from the cache since the last clear", nil, nil),
		hitRate:        prometheus.NewDesc("fetchcache_cache_hit_ratio", "Hits divided by lookups, 0 before the first lookup", nil, nil),
		requests:       prometheus.NewDesc("fetchcache_fetch_requests_total", "Fetches from the data source since the last clear", nil, nil),
		failures:       prometheus.NewDesc("fetchcache_fetch_failures_total", "Failed fetches from the data source since the last clear", nil, nil),
		avgLatency:     prometheus.NewDesc("fetchcache_fetch_latency_avg_seconds", "Average latency over the recent fetches", nil, nil),
		latencySamples: prometheus.NewDesc("fetchcache_fetch_latency_samples", "Number of fetches in the latency window", nil, nil),
		size:           prometheus.NewDesc("fetchcache_cache_entries", "Unexpired entries in the cache", nil, nil),
		maxSize:        prometheus.NewDesc("fetchcache_cache_max_entries", "Capacity of the cache", nil, nil),
		breakerState: prometheus.NewDesc(
			"fetchcache_circuit_breaker_state",
			"1 for the current state of the circuit breaker, 0 for the others",
			[]string{"state"},
			nil,
		),
	}
}

func (c *statisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.hitRate
	ch <- c.requests
	ch <- c.failures
	ch <- c.avgLatency
	ch <- c.latencySamples
	ch <- c.size
	ch <- c.maxSize
	ch <- c.breakerState
}

func (c *statisticsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.getStatistics()

	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, stats.HitRate)
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.Requests))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.Failures))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, stats.AvgLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.latencySamples, prometheus.GaugeValue, float64(stats.LatencySamples))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(stats.MaxSize))

	for _, state := range []resilience.BreakerState{resilience.BreakerClosed, resilience.BreakerOpen, resilience.BreakerHalfOpen} {
		value := 0.0
		if stats.BreakerState == state {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, value, state.String())
	}
}

// MakeMetricsHandler serves the statistics from a private registry so nothing else leaks into the scrape
func MakeMetricsHandler(getStatistics app.GetStatistics) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	err := registry.Register(NewStatisticsCollector(getStatistics))
	if err != nil {
		return nil, err
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
