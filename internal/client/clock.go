package client

import "time"

// Clock schedules the debounce and retry timers.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// Timer is the subset of *time.Timer the save queue needs.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}
