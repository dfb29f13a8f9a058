// Package clock provides an injectable time source. Everything downstream of
// ingestion and training asks a Clock for "now" so that window derivation and
// watermark advancement are reproducible in tests.
package clock

import "time"

// Clock yields the current instant in UTC.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns the current system time normalized to UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant. Test helper.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time {
	return f.T.UTC()
}

// Manual is a settable clock for tests that advance time by hand.
type Manual struct {
	T time.Time
}

// Now returns the currently set instant in UTC.
func (m *Manual) Now() time.Time {
	return m.T.UTC()
}
