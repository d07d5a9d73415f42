// Package schedule provides the clock and delayed-task primitives the stream flow
// uses for auto-expiry, with a real implementation and a manually driven fake.
package schedule

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// CancelFunc cancels a scheduled task. It reports whether the task was stopped
// before it ran.
type CancelFunc func() bool

// Scheduler runs fn once after delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) CancelFunc
}

// Real uses the wall clock and time.AfterFunc.
type Real struct{}

var (
	_ Clock     = Real{}
	_ Scheduler = Real{}
)

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Schedule(delay time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(delay, fn)
	return t.Stop
}
