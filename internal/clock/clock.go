// Package clock provides the monotonic time source and duration arithmetic
// the scheduler uses to compute deadlines and elapsed-time checks.
package clock

import "time"

// Clock is the monotonic time source used throughout the supervisor. Tests
// substitute a fake implementation so transition timing can be asserted
// without sleeping.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now().
type Real struct{}

func (Real) Now() time.Time { return time.Now() }
