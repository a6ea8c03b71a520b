package apm

import "time"

// Clock is the monotonic tick source the core consumes; it never calls
// time.Now directly so tests can drive ticks deterministically.
type Clock interface {
	// Now returns the current time in ticks.
	Now() int64
	// TicksPerSecond reports the clock's resolution.
	TicksPerSecond() int64
}

// millisClock is the production Clock: one tick per millisecond, counted
// as Unix milliseconds. The reading is anchored at the wall-clock time of
// creation and then advanced by the monotonic reading time.Now() carries.
type millisClock struct{ start time.Time }

// NewMillisClock returns a Clock with millisecond resolution.
func NewMillisClock() Clock {
	return millisClock{start: time.Now()}
}

func (c millisClock) Now() int64 {
	return c.start.UnixMilli() + time.Since(c.start).Milliseconds()
}

func (c millisClock) TicksPerSecond() int64 {
	return 1000
}
