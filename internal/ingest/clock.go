package ingest

import "time"

// Clock provides the current time and timers
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// systemClock uses the time package
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
