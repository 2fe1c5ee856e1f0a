// Package clock abstracts wall-clock access so lease expiry, retry backoff
// and sweep scheduling can be driven by a fake clock in tests.
package clock

import "time"

// Clock is the time source used by the inbox engine, webhook pusher and sweeper.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the standard library.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
