// Package clock abstracts time so that debounce timers can be driven by
// hand in tests.
package clock

import "time"

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop cancels the call. It reports whether the call was still
	// pending.
	Stop() bool
}

// Clock schedules calls and tells the time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
