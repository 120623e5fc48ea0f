package app

import (
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/resilience"
)

// Statistics is a point in time snapshot of the resolver
type Statistics struct {
	Hits   uint64
	Misses uint64
	// Hits / (Hits + Misses), 0 before the first lookup
	HitRate float64

	// Average over the most recent network fetches. Cache hits are not included.
	AvgLatency     time.Duration
	LatencySamples int

	Requests uint64
	Failures uint64

	Size        int
	MaxSize     int
	OldestEntry time.Time
	NewestEntry time.Time

	BreakerState resilience.BreakerState
}

// latencyWindow keeps the most recent samples in a ring buffer
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
	sum     time.Duration
}

func newLatencyWindow(size int) latencyWindow {
	return latencyWindow{samples: make([]time.Duration, max(size, 1))}
}

func (w *latencyWindow) add(sample time.Duration) {
	if w.full {
		w.sum -= w.samples[w.next]
	}
	w.samples[w.next] = sample
	w.sum += sample

	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) count() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *latencyWindow) average() time.Duration {
	count := w.count()
	if count == 0 {
		return 0
	}
	return w.sum / time.Duration(count)
}

func (w *latencyWindow) reset() {
	clear(w.samples)
	w.next = 0
	w.full = false
	w.sum = 0
}

type statistics struct {
	mu        sync.Mutex
	hits      uint64
	misses    uint64
	requests  uint64
	failures  uint64
	latencies latencyWindow
}

func newStatistics(window int) *statistics {
	return &statistics{latencies: newLatencyWindow(window)}
}

func (s *statistics) recordHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
}

func (s *statistics) recordMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
}

func (s *statistics) recordFetch(latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if failed {
		s.failures++
	}
	s.latencies.add(latency)
}

func (s *statistics) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits = 0
	s.misses = 0
	s.requests = 0
	s.failures = 0
	s.latencies.reset()
}

// fill sets the counter fields of stats
func (s *statistics) fill(stats *Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.Hits = s.hits
	stats.Misses = s.misses
	if lookups := s.hits + s.misses; lookups > 0 {
		stats.HitRate = float64(s.hits) / float64(lookups)
	}
	stats.AvgLatency = s.latencies.average()
	stats.LatencySamples = s.latencies.count()
	stats.Requests = s.requests
	stats.Failures = s.failures
}
