// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements pipeline.Clock. Times are UTC and truncated to
// microseconds so they round-trip through Postgres timestamptz unchanged.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
