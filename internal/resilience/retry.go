package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
)

// Cap on the exponent to keep baseDelay * 2^attempt from overflowing
const maxBackoffExponent = 30

const maxDuration = time.Duration(math.MaxInt64)

type RetryPolicy struct {
	// The operation runs at most MaxRetries + 1 times. Negative values are treated as 0.
	MaxRetries int
	BaseDelay  time.Duration
	// Every wait gets a fresh random jitter in [0, MaxJitter)
	MaxJitter time.Duration

	// Defaults to domain.Retryable
	ShouldRetry func(err error) bool
	// Defaults to RealTimer
	TimerFunc TimerFunc
	// Returns a random number in [0, n). Defaults to rand.Int64N.
	RandFunc func(n int64) int64
	// Called before waiting for the next attempt. attempt is the index of the attempt that failed.
	OnRetry func(ctx context.Context, attempt int, delay time.Duration, err error)
}

// Backoff returns the wait after the failed attempt with the given index (0 for the first attempt)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	exponent := min(max(attempt, 0), maxBackoffExponent)

	delay := maxDuration
	if p.BaseDelay <= maxDuration>>exponent {
		delay = p.BaseDelay << exponent
	}

	if p.MaxJitter > 0 {
		randFunc := p.RandFunc
		if randFunc == nil {
			randFunc = rand.Int64N
		}
		jitter := time.Duration(randFunc(int64(p.MaxJitter)))
		if delay <= maxDuration-jitter {
			delay += jitter
		}
	}

	return delay
}

// Retry runs operation until it succeeds, fails with an error that should not be retried, or runs
// out of attempts. The error of the last attempt is returned as is. If ctx is cancelled while
// waiting for the next attempt, the cause of the cancellation is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, operation func(ctx context.Context) (T, error)) (T, error) {
	shouldRetry := policy.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = domain.Retryable
	}
	timerFunc := policy.TimerFunc
	if timerFunc == nil {
		timerFunc = RealTimer
	}
	maxRetries := max(policy.MaxRetries, 0)

	var empty T
	for attempt := 0; ; attempt++ {
		value, err := operation(ctx)
		if err == nil {
			return value, nil
		}

		if attempt >= maxRetries || !shouldRetry(err) || ctx.Err() != nil {
			return empty, err
		}

		delay := policy.Backoff(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(ctx, attempt, delay, err)
		}

		timerC, stop := timerFunc(delay)
		select {
		case <-timerC:
		case <-ctx.Done():
			stop()
			return empty, context.Cause(ctx)
		}
	}
}
