// Package clock abstracts the time operations the bridge schedules so the
// lifecycle state machine can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose timers only fire when
// Advance is called, synchronously and in deadline order.
package clock

import "time"

// Clock is the subset of the time package the bridge depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// a call that has not started yet.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from happening. It reports whether the timer was
// still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
