package scheduler

import "time"

// Clock abstracts the two timers the scheduler needs
type Clock interface {
	// Every returns a channel that ticks every d and a func that stops it
	Every(d time.Duration) (<-chan time.Time, func())
	// After calls f once after d. The returned func cancels the call and
	// reports whether it was still pending.
	After(d time.Duration, f func()) func() bool
}

// RealClock implements Clock with the time package
type RealClock struct{}

// Every wraps time.NewTicker
func (RealClock) Every(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// After wraps time.AfterFunc
func (RealClock) After(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
