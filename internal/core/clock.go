package core

import "time"

// Clock is the injectable time source. The engine's transitions must be
// deterministic given a fixed clock and facilitator script.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	t time.Time
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{t: t} }

func (c *FakeClock) Now() time.Time { return c.t }

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Set jumps the clock to an absolute instant.
func (c *FakeClock) Set(t time.Time) { c.t = t }
