package ports

import "time"

// Timer is the subset of time.Timer used by schedulers.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock abstracts wall-clock time so interval-driven behavior can be tested
// without sleeping.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}
