package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("BreakerState(%d)", int(s))
}

type breakerStatus struct {
	state           BreakerState
	failureCount    uint
	lastFailureTime time.Time
	probeInFlight   bool
}

type admission int

const (
	admitted admission = iota
	admittedProbe
	rejected
)

// admit decides whether a call may proceed at time now
func admit(s breakerStatus, now time.Time, recoveryTimeout time.Duration) (breakerStatus, admission) {
	switch s.state {
	case BreakerClosed:
		return s, admitted
	case BreakerOpen:
		if now.Sub(s.lastFailureTime) <= recoveryTimeout {
			return s, rejected
		}
		s.state = BreakerHalfOpen
		s.probeInFlight = true
		return s, admittedProbe
	case BreakerHalfOpen:
		if s.probeInFlight {
			return s, rejected
		}
		s.probeInFlight = true
		return s, admittedProbe
	}
	return s, rejected
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// The call says nothing about the health of the downstream, e.g. it was cancelled
	outcomeNeutral
)

// settle applies the outcome of a call admitted by admit
func settle(s breakerStatus, probe bool, o outcome, now time.Time, failureThreshold uint) breakerStatus {
	if probe {
		s.probeInFlight = false

		switch o {
		case outcomeSuccess:
			s.state = BreakerClosed
			s.failureCount = 0
		case outcomeFailure:
			s.state = BreakerOpen
			s.failureCount++
			s.lastFailureTime = now
		}
		return s
	}

	if s.state != BreakerClosed {
		// A call admitted before the breaker opened settled late. Only probes decide how to leave
		// the open and half-open states.
		return s
	}

	switch o {
	case outcomeSuccess:
		s.failureCount = 0
	case outcomeFailure:
		s.failureCount++
		if s.failureCount >= failureThreshold {
			s.state = BreakerOpen
			s.lastFailureTime = now
		}
	}
	return s
}

// CircuitBreaker stops calling a failing downstream for recoveryTimeout after failureThreshold
// consecutive failures, then lets a single probe through to decide whether to close again.
type CircuitBreaker struct {
	name             string
	failureThreshold uint
	recoveryTimeout  time.Duration
	nowFunc          func() time.Time
	onStateChange    func(name string, from, to BreakerState)

	mu     sync.Mutex
	status breakerStatus
}

type BreakerOption func(*CircuitBreaker)

func WithStateChangeHook(hook func(name string, from, to BreakerState)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onStateChange = hook
	}
}

func NewCircuitBreaker(name string, failureThreshold uint, recoveryTimeout time.Duration, nowFunc func() time.Time, opts ...BreakerOption) *CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}

	b := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		nowFunc:          nowFunc,
		status: breakerStatus{
			state: BreakerClosed,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CircuitBreaker) Name() string {
	return b.name
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.state
}

func (b *CircuitBreaker) FailureCount() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.failureCount
}

func (b *CircuitBreaker) acquire() (bool, error) {
	b.mu.Lock()
	from := b.status.state
	next, decision := admit(b.status, b.nowFunc(), b.recoveryTimeout)
	b.status = next
	b.mu.Unlock()

	b.notify(from, next.state)

	if decision == rejected {
		return false, fmt.Errorf("%w: %s", domain.ErrBreakerOpen, b.name)
	}
	return decision == admittedProbe, nil
}

func (b *CircuitBreaker) release(probe bool, o outcome) {
	b.mu.Lock()
	from := b.status.state
	b.status = settle(b.status, probe, o, b.nowFunc(), b.failureThreshold)
	to := b.status.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func outcomeOf(ctx context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if domain.CountsAsFailure(err) {
		return outcomeFailure
	}
	if domain.Classify(err) == domain.KindCancelled {
		// Cancelled by an enclosing timeout -> the downstream was too slow
		if errors.Is(context.Cause(ctx), domain.ErrTimeout) {
			return outcomeFailure
		}
		return outcomeNeutral
	}
	// The downstream answered, it just did not like the request
	return outcomeSuccess
}

// Call runs operation through the breaker. When the breaker is open it fails fast with
// domain.ErrBreakerOpen without running operation.
func Call[T any](ctx context.Context, b *CircuitBreaker, operation func(ctx context.Context) (T, error)) (T, error) {
	probe, err := b.acquire()
	if err != nil {
		var empty T
		return empty, err
	}

	value, err := operation(ctx)
	b.release(probe, outcomeOf(ctx, err))
	return value, err
}
