package opmux

import "time"

// Clock abstracts the time operations used by operation deadlines,
// so tests can drive expiration deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc waits for duration d, then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the Timer from firing. Returns false if it already fired or was stopped.
	Stop() bool
	// Reset changes the timer to fire after duration d.
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}
