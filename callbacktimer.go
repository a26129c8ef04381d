// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

// TimerCallback is a raw timer callback with its opaque argument.
//
// Depending on the backend, a TimerCallback may run in interrupt context
// (see [*HardwareTimerAPI]); it must not touch loop-owned objects there.
type TimerCallback func(arg any)

// TimerDelegate is a closure callback. Delegates always run on the [*EventLoop].
type TimerDelegate func()

// TimerAPI is the contract a physical (or simulated) countdown timer must
// satisfy to be driven by a [*CallbackTimer].
//
// Implementations do not validate intervals; [*CallbackTimer] does that
// against MinTicks and MaxTicks before calling SetInterval.
type TimerAPI interface {
	// Name returns the backend name, used for logging.
	Name() string

	// MinTicks returns the smallest interval the backend can arm.
	MinTicks() uint64

	// MaxTicks returns the largest interval the backend can arm.
	MaxTicks() uint64

	// TicksPerSecond returns the backend clock rate.
	TicksPerSecond() uint64

	// SetCallback sets the callback invoked when the timer fires.
	SetCallback(cb TimerCallback, arg any)

	// SetInterval sets the interval used by the next Arm.
	SetInterval(ticks uint64)

	// Interval returns the interval set by SetInterval.
	Interval() uint64

	// Arm starts counting down, once or repeatedly.
	Arm(repeating bool)

	// Disarm stops counting down. Fires already in progress may still complete.
	Disarm()
}

// CallbackTimer arms a [TimerAPI] backend with an interval and a callback,
// firing once or repeatedly.
//
// A CallbackTimer never reports started unless both a callback and a valid
// interval are set. Out-of-range intervals are not fatal: the timer just
// refuses to start until a valid interval is set.
//
// Construct using [NewCallbackTimer].
type CallbackTimer[A TimerAPI] struct {
	api         A
	callbackSet bool
	intervalSet bool
	repeating   bool
	started     bool
}

// NewCallbackTimer returns a new idle [*CallbackTimer] driving api.
func NewCallbackTimer[A TimerAPI](api A) *CallbackTimer[A] {
	return &CallbackTimer[A]{api: api}
}

// API returns the underlying backend.
func (t *CallbackTimer[A]) API() A {
	return t.api
}

// Initialize sets interval and callback in one step.
func (t *CallbackTimer[A]) Initialize(value uint64, unit TimeUnit, cb TimerCallback, arg any) bool {
	t.SetCallback(cb, arg)
	return t.SetInterval(value, unit)
}

// InitializeTicks is like [*CallbackTimer.Initialize] with an interval in ticks.
func (t *CallbackTimer[A]) InitializeTicks(ticks uint64, cb TimerCallback, arg any) bool {
	t.SetCallback(cb, arg)
	return t.SetIntervalTicks(ticks)
}

// SetCallback stops the timer and sets the callback. A nil callback leaves
// the timer unable to start.
func (t *CallbackTimer[A]) SetCallback(cb TimerCallback, arg any) {
	t.Stop()
	t.callbackSet = cb != nil
	t.api.SetCallback(cb, arg)
}

// CheckIntervalTicks returns whether ticks is within the backend range.
func (t *CallbackTimer[A]) CheckIntervalTicks(ticks uint64) bool {
	return ticks >= t.api.MinTicks() && ticks <= t.api.MaxTicks()
}

// SetIntervalTicks sets the interval in ticks.
//
// On success a started timer is re-armed with the new interval. On failure
// the timer is stopped, its interval is marked unset, and false is returned.
func (t *CallbackTimer[A]) SetIntervalTicks(ticks uint64) bool {
	if !t.CheckIntervalTicks(ticks) {
		t.Stop()
		t.intervalSet = false
		return false
	}
	t.api.SetInterval(ticks)
	t.intervalSet = true
	if t.started {
		t.api.Disarm()
		t.api.Arm(t.repeating)
	}
	return true
}

// SetInterval sets the interval as a time value, rounded to the nearest tick.
func (t *CallbackTimer[A]) SetInterval(value uint64, unit TimeUnit) bool {
	return t.SetIntervalTicks(t.TimeToTicks(value, unit))
}

// SetIntervalMs sets the interval in milliseconds.
func (t *CallbackTimer[A]) SetIntervalMs(ms uint64) bool {
	return t.SetInterval(ms, Milliseconds)
}

// SetIntervalUs sets the interval in microseconds.
func (t *CallbackTimer[A]) SetIntervalUs(us uint64) bool {
	return t.SetInterval(us, Microseconds)
}

// IntervalTicks returns the interval in ticks, or zero when unset.
func (t *CallbackTimer[A]) IntervalTicks() uint64 {
	if !t.intervalSet {
		return 0
	}
	return t.api.Interval()
}

// Interval returns the interval converted to unit.
func (t *CallbackTimer[A]) Interval(unit TimeUnit) uint64 {
	return t.TicksToTime(t.IntervalTicks(), unit)
}

// TimeToTicks converts a time value using the backend clock.
func (t *CallbackTimer[A]) TimeToTicks(value uint64, unit TimeUnit) uint64 {
	return TimeToTicks(value, unit, t.api.TicksPerSecond())
}

// TicksToTime converts ticks using the backend clock.
func (t *CallbackTimer[A]) TicksToTime(ticks uint64, unit TimeUnit) uint64 {
	return TicksToTime(ticks, unit, t.api.TicksPerSecond())
}

// Start arms the timer. Any previous arming is cancelled first, so starting
// twice has the same effect as starting once.
//
// Returns false, leaving the timer stopped, unless both a callback and a
// valid interval are set.
func (t *CallbackTimer[A]) Start(repeating bool) bool {
	t.Stop()
	if !t.callbackSet || !t.intervalSet {
		return false
	}
	t.api.Arm(repeating)
	t.repeating = repeating
	t.started = true
	return true
}

// StartOnce is Start(false).
func (t *CallbackTimer[A]) StartOnce() bool {
	return t.Start(false)
}

// Stop disarms the timer if it is started.
func (t *CallbackTimer[A]) Stop() {
	if !t.started {
		return
	}
	t.api.Disarm()
	t.started = false
}

// Restart stops and starts the timer again using the previous repeat mode.
func (t *CallbackTimer[A]) Restart() bool {
	return t.Start(t.repeating)
}

// IsStarted returns whether the timer is armed.
//
// A one-shot timer keeps reporting started after it fired, until stopped
// or restarted, like the hardware it models.
func (t *CallbackTimer[A]) IsStarted() bool {
	return t.started
}

// IsRepeating returns the repeat mode recorded by the last Start.
func (t *CallbackTimer[A]) IsRepeating() bool {
	return t.repeating
}
