package eventloop

import "time"

// Clock abstracts time so timer-driven behavior can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d. Callers that need loop
	// confinement Post from f.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was
	// stopped before it fired.
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PostAfter schedules fn to run on the loop after d. The returned Timer
// cancels the schedule; a closure that was already posted still runs, so fn
// must re-check its own state.
func PostAfter(clock Clock, loop *Loop, d time.Duration, fn func()) Timer {
	return clock.AfterFunc(d, func() { loop.Post(fn) })
}
