package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/resilience"
	"github.com/stretchr/testify/require"
)

type transition struct {
	from resilience.BreakerState
	to   resilience.BreakerState
}

type transitionRecorder struct {
	lock        sync.Mutex
	transitions []transition
}

func (r *transitionRecorder) hook(name string, from, to resilience.BreakerState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.transitions = append(r.transitions, transition{from: from, to: to})
}

func (r *transitionRecorder) get() []transition {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]transition{}, r.transitions...)
}

func failWith(err error) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return "", err
	}
}

func succeed(ctx context.Context) (string, error) {
	return "data", nil
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	const threshold = 3
	const recovery = time.Minute
	errDown := domain.ErrNetwork

	newBreaker := func(clock *fakeClock, recorder *transitionRecorder) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker("source", threshold, recovery, clock.Now, resilience.WithStateChangeHook(recorder.hook))
	}

	tripBreaker := func(t *testing.T, breaker *resilience.CircuitBreaker) {
		t.Helper()
		for range threshold {
			_, err := resilience.Call(t.Context(), breaker, failWith(errDown))
			require.ErrorIs(t, err, errDown)
		}
		require.Equal(t, resilience.BreakerOpen, breaker.State())
	}

	t.Run("opens after consecutive failures and fails fast", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		recorder := &transitionRecorder{}
		breaker := newBreaker(clock, recorder)

		for range threshold - 1 {
			_, err := resilience.Call(t.Context(), breaker, failWith(errDown))
			require.ErrorIs(t, err, errDown)
			require.Equal(t, resilience.BreakerClosed, breaker.State())
		}

		_, err := resilience.Call(t.Context(), breaker, failWith(errDown))
		require.ErrorIs(t, err, errDown)
		require.Equal(t, resilience.BreakerOpen, breaker.State())
		require.Equal(t, uint(threshold), breaker.FailureCount())

		calls := 0
		_, err = resilience.Call(t.Context(), breaker, func(ctx context.Context) (string, error) {
			calls++
			return "data", nil
		})
		require.ErrorIs(t, err, domain.ErrBreakerOpen)
		require.Equal(t, domain.KindBreakerOpen, domain.Classify(err))
		require.Zero(t, calls)

		require.Equal(t, []transition{{resilience.BreakerClosed, resilience.BreakerOpen}}, recorder.get())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		t.Parallel()

		breaker := newBreaker(newFakeClock(), &transitionRecorder{})

		for range 5 {
			for range threshold - 1 {
				_, _ = resilience.Call(t.Context(), breaker, failWith(errDown))
			}
			_, err := resilience.Call(t.Context(), breaker, succeed)
			require.NoError(t, err)
		}

		require.Equal(t, resilience.BreakerClosed, breaker.State())
		require.Zero(t, breaker.FailureCount())
	})

	t.Run("errors that do not reflect downstream health do not trip", func(t *testing.T) {
		t.Parallel()

		breaker := newBreaker(newFakeClock(), &transitionRecorder{})

		for _, err := range []error{
			domain.ErrValidation,
			&domain.APIError{StatusCode: 404},
			&domain.APIError{StatusCode: 400},
			context.Canceled,
		} {
			for range threshold + 1 {
				_, _ = resilience.Call(t.Context(), breaker, failWith(err))
			}
		}

		require.Equal(t, resilience.BreakerClosed, breaker.State())
	})

	t.Run("transient api errors trip", func(t *testing.T) {
		t.Parallel()

		breaker := newBreaker(newFakeClock(), &transitionRecorder{})
		for range threshold {
			_, _ = resilience.Call(t.Context(), breaker, failWith(&domain.APIError{StatusCode: 503}))
		}
		require.Equal(t, resilience.BreakerOpen, breaker.State())
	})

	t.Run("cancellation caused by a timeout trips", func(t *testing.T) {
		t.Parallel()

		breaker := newBreaker(newFakeClock(), &transitionRecorder{})

		for range threshold {
			ctx, cancel := context.WithCancelCause(t.Context())
			cancel(domain.ErrTimeout)
			_, _ = resilience.Call(ctx, breaker, func(ctx context.Context) (string, error) {
				return "", ctx.Err()
			})
		}

		require.Equal(t, resilience.BreakerOpen, breaker.State())
	})

	t.Run("successful probe closes", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		recorder := &transitionRecorder{}
		breaker := newBreaker(clock, recorder)
		tripBreaker(t, breaker)

		clock.advance(recovery)
		_, err := resilience.Call(t.Context(), breaker, succeed)
		require.ErrorIs(t, err, domain.ErrBreakerOpen)

		clock.advance(time.Second)
		value, err := resilience.Call(t.Context(), breaker, succeed)
		require.NoError(t, err)
		require.Equal(t, "data", value)
		require.Equal(t, resilience.BreakerClosed, breaker.State())
		require.Zero(t, breaker.FailureCount())

		require.Equal(t, []transition{
			{resilience.BreakerClosed, resilience.BreakerOpen},
			{resilience.BreakerOpen, resilience.BreakerHalfOpen},
			{resilience.BreakerHalfOpen, resilience.BreakerClosed},
		}, recorder.get())
	})

	t.Run("failed probe reopens with a fresh recovery window", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		breaker := newBreaker(clock, &transitionRecorder{})
		tripBreaker(t, breaker)

		clock.advance(recovery + time.Second)
		_, err := resilience.Call(t.Context(), breaker, failWith(errDown))
		require.ErrorIs(t, err, errDown)
		require.Equal(t, resilience.BreakerOpen, breaker.State())

		clock.advance(recovery / 2)
		_, err = resilience.Call(t.Context(), breaker, succeed)
		require.ErrorIs(t, err, domain.ErrBreakerOpen)

		clock.advance(recovery)
		_, err = resilience.Call(t.Context(), breaker, succeed)
		require.NoError(t, err)
		require.Equal(t, resilience.BreakerClosed, breaker.State())
	})

	t.Run("only one probe at a time", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		breaker := newBreaker(clock, &transitionRecorder{})
		tripBreaker(t, breaker)
		clock.advance(recovery + time.Second)

		probeStarted := make(chan struct{})
		releaseProbe := make(chan struct{})
		probeDone := make(chan error, 1)
		go func() {
			_, err := resilience.Call(context.Background(), breaker, func(ctx context.Context) (string, error) {
				close(probeStarted)
				<-releaseProbe
				return "data", nil
			})
			probeDone <- err
		}()

		<-probeStarted
		require.Equal(t, resilience.BreakerHalfOpen, breaker.State())

		calls := 0
		_, err := resilience.Call(t.Context(), breaker, func(ctx context.Context) (string, error) {
			calls++
			return "data", nil
		})
		require.ErrorIs(t, err, domain.ErrBreakerOpen)
		require.Zero(t, calls)

		close(releaseProbe)
		require.NoError(t, <-probeDone)
		require.Equal(t, resilience.BreakerClosed, breaker.State())
	})

	t.Run("cancelled probe lets the next call probe", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		breaker := newBreaker(clock, &transitionRecorder{})
		tripBreaker(t, breaker)
		clock.advance(recovery + time.Second)

		_, err := resilience.Call(t.Context(), breaker, failWith(context.Canceled))
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, resilience.BreakerHalfOpen, breaker.State())

		_, err = resilience.Call(t.Context(), breaker, succeed)
		require.NoError(t, err)
		require.Equal(t, resilience.BreakerClosed, breaker.State())
	})

	t.Run("zero threshold trips on the first failure", func(t *testing.T) {
		t.Parallel()

		breaker := resilience.NewCircuitBreaker("source", 0, recovery, newFakeClock().Now)
		_, _ = resilience.Call(t.Context(), breaker, failWith(errors.Join(errDown)))
		require.Equal(t, resilience.BreakerOpen, breaker.State())
	})
}

func TestBreakerStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "closed", resilience.BreakerClosed.String())
	require.Equal(t, "open", resilience.BreakerOpen.String())
	require.Equal(t, "half-open", resilience.BreakerHalfOpen.String())
}
