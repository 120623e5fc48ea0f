package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
)

// Guard runs operation and gives up on it once timeout has passed.
//
// On timeout the operation's context is cancelled with domain.ErrTimeout as the cause, and whatever
// the operation returns afterwards is dropped. A timeout <= 0 runs the operation unguarded.
func Guard[T any](ctx context.Context, timeout time.Duration, timerFunc TimerFunc, operation func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return operation(ctx)
	}

	type result struct {
		value T
		err   error
	}

	opCtx, cancel := context.WithCancelCause(ctx)

	// Buffered so the operation can always deliver its result and exit, even after we stopped listening
	done := make(chan result, 1)
	go func() {
		value, err := operation(opCtx)
		done <- result{value: value, err: err}
	}()

	timerC, stopTimer := timerFunc(timeout)

	var empty T
	select {
	case r := <-done:
		stopTimer()
		cancel(nil)
		return r.value, r.err
	case <-timerC:
		cancel(domain.ErrTimeout)
		return empty, fmt.Errorf("%w: %w after %s", domain.ErrNetwork, domain.ErrTimeout, timeout)
	case <-ctx.Done():
		stopTimer()
		cancel(nil)
		return empty, context.Cause(ctx)
	}
}
