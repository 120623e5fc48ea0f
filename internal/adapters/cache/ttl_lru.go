package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time

	// Logical clock tick of the last get/set
	rank uint64
	// Insertion order, used to break rank ties
	seq uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// TTLLRU is a fixed capacity store where every entry expires after a ttl and the least recently
// used entry is evicted when a new key is inserted into a full store.
//
// Expired entries are removed lazily when they are encountered, or by Cleanup.
type TTLLRU[V any] struct {
	maxSize    int
	defaultTTL time.Duration
	nowFunc    func() time.Time

	mu            sync.Mutex
	entries       map[string]*entry[V]
	accessCounter uint64
	insertCounter uint64
}

type Stats struct {
	Size    int
	MaxSize int
	// Zero if the store is empty
	OldestEntry time.Time
	NewestEntry time.Time
}

func NewTTLLRU[V any](maxSize int, defaultTTL time.Duration, nowFunc func() time.Time) *TTLLRU[V] {
	if maxSize < 0 {
		maxSize = 0
	}
	return &TTLLRU[V]{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		nowFunc:    nowFunc,
		entries:    make(map[string]*entry[V], maxSize),
	}
}

func (s *TTLLRU[V]) tick() uint64 {
	s.accessCounter++
	return s.accessCounter
}

func (s *TTLLRU[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var empty V
	e, ok := s.entries[key]
	if !ok {
		return empty, false
	}

	if e.expired(s.nowFunc()) {
		delete(s.entries, key)
		return empty, false
	}

	e.rank = s.tick()
	return e.value, true
}

// Has reports whether key holds an unexpired value without counting as a use of the key
func (s *TTLLRU[V]) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}

	if e.expired(s.nowFunc()) {
		delete(s.entries, key)
		return false
	}

	return true
}

func (s *TTLLRU[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, s.defaultTTL)
}

// SetWithTTL stores value under key. A ttl <= 0 stores an entry that is already expired.
func (s *TTLLRU[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize == 0 {
		return
	}

	now := s.nowFunc()

	seq := s.insertCounter + 1
	if old, ok := s.entries[key]; ok {
		// Replacing keeps the original insertion order
		seq = old.seq
	} else {
		if len(s.entries) >= s.maxSize {
			s.evictLeastRecentlyUsed()
		}
		s.insertCounter++
	}

	s.entries[key] = &entry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		rank:      s.tick(),
		seq:       seq,
	}
}

// Must be called with the lock held
func (s *TTLLRU[V]) evictLeastRecentlyUsed() {
	var victimKey string
	var victim *entry[V]
	for key, e := range s.entries {
		if victim == nil ||
			e.rank < victim.rank ||
			(e.rank == victim.rank && e.seq < victim.seq) {
			victimKey = key
			victim = e
		}
	}

	if victim != nil {
		delete(s.entries, victimKey)
	}
}

func (s *TTLLRU[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

func (s *TTLLRU[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.entries)
}

// Cleanup removes all expired entries and returns how many were removed
func (s *TTLLRU[V]) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeExpired(s.nowFunc())
}

// Must be called with the lock held
func (s *TTLLRU[V]) removeExpired(now time.Time) int {
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Stats is computed over the unexpired entries. Expired entries found during the scan are removed.
func (s *TTLLRU[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeExpired(s.nowFunc())

	stats := Stats{
		Size:    len(s.entries),
		MaxSize: s.maxSize,
	}
	for _, e := range s.entries {
		if stats.OldestEntry.IsZero() || e.createdAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.createdAt
		}
		if e.createdAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.createdAt
		}
	}

	return stats
}

// StartCleanup runs Cleanup every interval until the returned stop function is called.
// stop waits for the sweeper to exit and may be called more than once.
func (s *TTLLRU[V]) StartCleanup(interval time.Duration, onCleanup func(removed int)) func() {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				removed := s.Cleanup()
				if onCleanup != nil {
					onCleanup(removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
		})
		<-exited
	}
}
