// Package testutil provides deterministic test doubles shared across the
// storage engine's test suites.
package testutil

import (
	"sync"
	"time"
)

// Clock provides a thread-safe deterministic time source for tests.
//
// Now returns the current instant without advancing, so a sequence of
// operations stamped "at the same moment" stays stable. Tests move time
// explicitly with Advance or Tick.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

// NewClock creates a clock fixed at start. Tick advances by step; a zero
// step defaults to one second.
func NewClock(start time.Time, step time.Duration) *Clock {
	if step == 0 {
		step = time.Second
	}
	return &Clock{current: start, step: step}
}

// Now returns the current instant. Suitable for injection wherever a
// func() time.Time is expected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Tick advances by the configured step and returns the new instant.
func (c *Clock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(c.step)
	return c.current
}
