package proxyrotate

import "time"

// Clock is the time source used for expiry checks and for every rotation,
// retry and stop timer. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by Clock.AfterFunc
type Timer interface {
	// Stop prevents the call from firing. It reports false if the call
	// already fired or was stopped.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall-clock implementation
func RealClock() Clock {
	return realClock{}
}

// after returns a channel closed once d has elapsed on clock, and a function
// that releases the underlying timer
func after(clock Clock, d time.Duration) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	t := clock.AfterFunc(d, func() { close(ch) })
	return ch, func() { t.Stop() }
}
