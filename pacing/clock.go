// Package pacing owns the timing policy for sends: the jittered
// inter-send delay, cycle spacing and a local rate limiter that keeps
// a worker from bursting ahead of its database-enforced hourly budget.
package pacing

import "time"

// Clock abstracts time so queue and worker behavior is testable.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time { return c.now }

func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *FakeClock) Set(t time.Time) { c.now = t }
