// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
)

// countdown is the clock shared by the simulated timer peripherals.
//
// Every Arm and Disarm bumps gen; an expiry or a deferred fire carrying a
// stale gen is dropped, so a disarmed timer never invokes its callback even
// when the expiry raced with Disarm.
type countdown struct {
	mu        sync.Mutex
	arg       any
	armed     bool
	cb        TimerCallback
	dispatch  func(fire func())
	gen       uint64
	interval  uint64
	repeating bool
	timer     *time.Timer
	tps       uint64
}

func (c *countdown) setCallback(cb TimerCallback, arg any) {
	c.mu.Lock()
	c.cb, c.arg = cb, arg
	c.mu.Unlock()
}

func (c *countdown) setInterval(ticks uint64) {
	c.mu.Lock()
	c.interval = ticks
	c.mu.Unlock()
}

func (c *countdown) getInterval() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *countdown) arm(repeating bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	c.armed = true
	c.repeating = repeating
	c.scheduleLocked(c.gen)
}

func (c *countdown) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	c.armed = false
}

func (c *countdown) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *countdown) scheduleLocked(gen uint64) {
	d := time.Duration(TicksToTime(c.interval, Nanoseconds, c.tps))
	c.timer = time.AfterFunc(d, func() { c.expire(gen) })
}

func (c *countdown) expire(gen uint64) {
	c.mu.Lock()
	if !c.armed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.repeating {
		c.scheduleLocked(gen)
	} else {
		c.armed = false
		c.timer = nil
	}
	c.mu.Unlock()
	c.dispatch(func() { c.fire(gen) })
}

func (c *countdown) fire(gen uint64) {
	c.mu.Lock()
	cb, arg, current := c.cb, c.arg, gen == c.gen
	c.mu.Unlock()
	if current && cb != nil {
		cb(arg)
	}
}

const (
	// HardwareTimerClock is the peripheral input clock (CPU clock).
	HardwareTimerClock = 80_000_000

	// HardwareTimerDivider is the prescaler between clock and counter.
	HardwareTimerDivider = 16

	// HardwareTimerMaxTicks is the largest value of the 23-bit load register.
	HardwareTimerMaxTicks = 0x7FFFFF

	// HardwareTimerMinTicks is the shortest interval the peripheral can
	// service reliably (10 µs at the default prescaler).
	HardwareTimerMinTicks = 50
)

// hwTimerAttached is set while a [*HardwareTimerAPI] owns the peripheral.
var hwTimerAttached atomic.Bool

// HardwareTimerAPI is a [TimerAPI] simulating the FRC1 compare timer: a
// 23-bit countdown clocked at 5 MHz.
//
// Callbacks run directly on the timer goroutine, the equivalent of an
// interrupt service routine: they must be short and must not touch objects
// owned by the [*EventLoop] (use [*EventLoop.Post] to defer work).
//
// There is a single peripheral: creating a second HardwareTimerAPI while one
// is attached panics. Call [*HardwareTimerAPI.Close] to detach.
type HardwareTimerAPI struct {
	closed atomic.Bool
	cd     countdown
}

var _ TimerAPI = &HardwareTimerAPI{}

// NewHardwareTimerAPI attaches to the hardware timer peripheral.
func NewHardwareTimerAPI() *HardwareTimerAPI {
	runtimex.Assert(hwTimerAttached.CompareAndSwap(false, true))
	h := &HardwareTimerAPI{}
	h.cd.tps = HardwareTimerClock / HardwareTimerDivider
	h.cd.dispatch = func(fire func()) { fire() }
	return h
}

// Close disarms the peripheral and detaches from it. It is idempotent.
func (h *HardwareTimerAPI) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.cd.disarm()
		hwTimerAttached.Store(false)
	}
	return nil
}

// Name implements [TimerAPI].
func (h *HardwareTimerAPI) Name() string { return "hwtimer" }

// MinTicks implements [TimerAPI].
func (h *HardwareTimerAPI) MinTicks() uint64 { return HardwareTimerMinTicks }

// MaxTicks implements [TimerAPI].
func (h *HardwareTimerAPI) MaxTicks() uint64 { return HardwareTimerMaxTicks }

// TicksPerSecond implements [TimerAPI].
func (h *HardwareTimerAPI) TicksPerSecond() uint64 { return h.cd.tps }

// SetCallback implements [TimerAPI].
func (h *HardwareTimerAPI) SetCallback(cb TimerCallback, arg any) { h.cd.setCallback(cb, arg) }

// SetInterval implements [TimerAPI].
func (h *HardwareTimerAPI) SetInterval(ticks uint64) { h.cd.setInterval(ticks) }

// Interval implements [TimerAPI].
func (h *HardwareTimerAPI) Interval() uint64 { return h.cd.getInterval() }

// Arm implements [TimerAPI]. Arming a closed peripheral does nothing.
func (h *HardwareTimerAPI) Arm(repeating bool) {
	if h.closed.Load() {
		return
	}
	h.cd.arm(repeating)
}

// Disarm implements [TimerAPI].
func (h *HardwareTimerAPI) Disarm() { h.cd.disarm() }

const (
	// SoftTimerTicksPerSecond is the OS timer tick rate (one tick is 3.2 µs).
	SoftTimerTicksPerSecond = 312_500

	// SoftTimerMaxTicks is the largest interval of the OS timer (about 26.8 s).
	SoftTimerMaxTicks = 0x7FFFFF

	// SoftTimerMinTicks is the shortest OS timer interval.
	SoftTimerMinTicks = 1
)

// SoftTimerAPI is a [TimerAPI] simulating the OS software timer. Callbacks
// are posted to the [*EventLoop], never run on the timer goroutine.
type SoftTimerAPI struct {
	cd countdown
}

var _ TimerAPI = &SoftTimerAPI{}

// NewSoftTimerAPI returns a [*SoftTimerAPI] delivering callbacks on loop.
func NewSoftTimerAPI(loop *EventLoop) *SoftTimerAPI {
	s := &SoftTimerAPI{}
	s.cd.tps = SoftTimerTicksPerSecond
	s.cd.dispatch = func(fire func()) { loop.Post(fire) }
	return s
}

// Name implements [TimerAPI].
func (s *SoftTimerAPI) Name() string { return "ostimer" }

// MinTicks implements [TimerAPI].
func (s *SoftTimerAPI) MinTicks() uint64 { return SoftTimerMinTicks }

// MaxTicks implements [TimerAPI].
func (s *SoftTimerAPI) MaxTicks() uint64 { return SoftTimerMaxTicks }

// TicksPerSecond implements [TimerAPI].
func (s *SoftTimerAPI) TicksPerSecond() uint64 { return s.cd.tps }

// SetCallback implements [TimerAPI].
func (s *SoftTimerAPI) SetCallback(cb TimerCallback, arg any) { s.cd.setCallback(cb, arg) }

// SetInterval implements [TimerAPI].
func (s *SoftTimerAPI) SetInterval(ticks uint64) { s.cd.setInterval(ticks) }

// Interval implements [TimerAPI].
func (s *SoftTimerAPI) Interval() uint64 { return s.cd.getInterval() }

// Arm implements [TimerAPI].
func (s *SoftTimerAPI) Arm(repeating bool) { s.cd.arm(repeating) }

// Disarm implements [TimerAPI].
func (s *SoftTimerAPI) Disarm() { s.cd.disarm() }

// LongTimerAPI extends another [TimerAPI] to arbitrarily long intervals.
//
// Intervals above the inner backend maximum are divided into
// longIntervalCounterLimit equal sub-intervals; the inner timer fires every
// sub-interval and the user callback runs on every limit-th firing.
type LongTimerAPI struct {
	arg                      any
	cb                       TimerCallback
	inner                    TimerAPI
	interval                 uint64
	longIntervalCounter      uint64
	longIntervalCounterLimit uint64
	repeating                bool
}

var _ TimerAPI = &LongTimerAPI{}

// NewLongTimerAPI wraps inner.
func NewLongTimerAPI(inner TimerAPI) *LongTimerAPI {
	return &LongTimerAPI{inner: inner}
}

// Name implements [TimerAPI].
func (l *LongTimerAPI) Name() string { return l.inner.Name() + "64" }

// MinTicks implements [TimerAPI].
func (l *LongTimerAPI) MinTicks() uint64 { return l.inner.MinTicks() }

// MaxTicks implements [TimerAPI].
func (l *LongTimerAPI) MaxTicks() uint64 { return math.MaxInt64 }

// TicksPerSecond implements [TimerAPI].
func (l *LongTimerAPI) TicksPerSecond() uint64 { return l.inner.TicksPerSecond() }

// SetCallback implements [TimerAPI].
func (l *LongTimerAPI) SetCallback(cb TimerCallback, arg any) {
	l.cb, l.arg = cb, arg
	if cb == nil {
		l.inner.SetCallback(nil, nil)
		return
	}
	l.inner.SetCallback(l.onInnerFire, nil)
}

// SetInterval implements [TimerAPI].
func (l *LongTimerAPI) SetInterval(ticks uint64) {
	l.interval = ticks
	maxTicks := l.inner.MaxTicks()
	if ticks <= maxTicks {
		l.longIntervalCounterLimit = 0
		l.inner.SetInterval(ticks)
		return
	}
	div := ticks/(maxTicks+1) + 1
	l.longIntervalCounterLimit = div
	l.inner.SetInterval(ticks / div)
}

// Interval implements [TimerAPI]. It returns the requested interval, not
// the inner sub-interval.
func (l *LongTimerAPI) Interval() uint64 { return l.interval }

// SubInterval returns the interval armed on the inner backend.
func (l *LongTimerAPI) SubInterval() uint64 { return l.inner.Interval() }

// CounterLimit returns the number of inner firings per callback, or zero
// when the interval fits the inner backend.
func (l *LongTimerAPI) CounterLimit() uint64 { return l.longIntervalCounterLimit }

// Arm implements [TimerAPI].
func (l *LongTimerAPI) Arm(repeating bool) {
	l.longIntervalCounter = 0
	l.repeating = repeating
	l.inner.Arm(repeating || l.longIntervalCounterLimit > 0)
}

// Disarm implements [TimerAPI].
func (l *LongTimerAPI) Disarm() {
	l.inner.Disarm()
}

func (l *LongTimerAPI) onInnerFire(any) {
	if l.longIntervalCounterLimit > 0 {
		l.longIntervalCounter++
		if l.longIntervalCounter < l.longIntervalCounterLimit {
			return
		}
		l.longIntervalCounter = 0
		if !l.repeating {
			l.inner.Disarm()
		}
	}
	if cb := l.cb; cb != nil {
		cb(l.arg)
	}
}
