// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"sync"
	"time"
)

// SystemClock is the clock [*NTPClient] keeps in sync.
type SystemClock interface {
	// Now returns the current time.
	Now() time.Time

	// SetTime sets the current time.
	SetTime(t time.Time)
}

// OffsetClock is a [SystemClock] keeping an offset from a base clock, so
// setting the time never touches the host clock.
//
// Construct using [NewOffsetClock].
type OffsetClock struct {
	mu      sync.Mutex
	offset  time.Duration
	timeNow func() time.Time
}

var _ SystemClock = &OffsetClock{}

// NewOffsetClock returns an [*OffsetClock] in sync with timeNow.
func NewOffsetClock(timeNow func() time.Time) *OffsetClock {
	return &OffsetClock{timeNow: timeNow}
}

// Now implements [SystemClock].
func (c *OffsetClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeNow().Add(c.offset)
}

// SetTime implements [SystemClock].
func (c *OffsetClock) SetTime(t time.Time) {
	c.mu.Lock()
	c.offset = t.Sub(c.timeNow())
	c.mu.Unlock()
}

// Offset returns the difference between the clock and its base clock.
func (c *OffsetClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
