package resilience

import "time"

// TimerFunc starts a timer that fires once after d. Calling stop releases the timer early.
type TimerFunc func(d time.Duration) (c <-chan time.Time, stop func() bool)

func RealTimer(d time.Duration) (<-chan time.Time, func() bool) {
	timer := time.NewTimer(d)
	return timer.C, timer.Stop
}
