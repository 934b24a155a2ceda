// Package system provides a real clock implementation.
package system

import "time"

// Clock implements clock.Clock using time.Now. All timestamps in the data
// directory are UTC, so the clock normalizes here once instead of at every
// call site.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
