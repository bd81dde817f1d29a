package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic wall clock for tests.
//
// Each call to Now advances by Step, so timestamps written by the store are
// distinct and reproducible across runs of the same scenario.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	ticks int64
}

// Epoch is the default start of test time.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewClock creates a clock starting at start. The first call to Now returns
// start itself.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{start: start, step: step}
}

// Now returns the current time and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Reset rewinds the clock to its start.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
