package resilience_test

import (
	"sync"
	"time"
)

type fakeClock struct {
	now  time.Time
	lock sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// manualTimer fires only when fire is called
type manualTimer struct {
	lock     sync.Mutex
	ch       chan time.Time
	started  []time.Duration
	stopped  int
	startedC chan struct{}
}

func newManualTimer() *manualTimer {
	return &manualTimer{
		ch:       make(chan time.Time, 1),
		startedC: make(chan struct{}, 100),
	}
}

func (m *manualTimer) Start(d time.Duration) (<-chan time.Time, func() bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.started = append(m.started, d)
	m.startedC <- struct{}{}
	return m.ch, func() bool {
		m.lock.Lock()
		defer m.lock.Unlock()
		m.stopped++
		return true
	}
}

func (m *manualTimer) fire() {
	m.ch <- time.Time{}
}

func (m *manualTimer) stopCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stopped
}

// instantTimer fires immediately and records the requested delays
type instantTimer struct {
	lock   sync.Mutex
	delays []time.Duration
}

func (i *instantTimer) Start(d time.Duration) (<-chan time.Time, func() bool) {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.delays = append(i.delays, d)

	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch, func() bool { return false }
}

func (i *instantTimer) Delays() []time.Duration {
	i.lock.Lock()
	defer i.lock.Unlock()
	return append([]time.Duration{}, i.delays...)
}
