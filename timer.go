// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

// SimpleTimer is a [CallbackTimer] on the OS timer backend. It takes raw
// callbacks, runs them on the event loop, and is limited to
// [SoftTimerMaxTicks].
type SimpleTimer = CallbackTimer[*SoftTimerAPI]

// NewSimpleTimer returns a new idle [*SimpleTimer] running callbacks on loop.
func NewSimpleTimer(loop *EventLoop) *SimpleTimer {
	return NewCallbackTimer(NewSoftTimerAPI(loop))
}

// Timer is the application-facing timer: it takes a [TimerDelegate], runs
// it on the event loop, and accepts intervals of any length.
//
// Construct using [NewTimer].
type Timer struct {
	*CallbackTimer[*LongTimerAPI]
	delegate TimerDelegate
}

// NewTimer returns a new idle [*Timer] running its delegate on loop.
func NewTimer(loop *EventLoop) *Timer {
	return &Timer{
		CallbackTimer: NewCallbackTimer(NewLongTimerAPI(NewSoftTimerAPI(loop))),
	}
}

// SetCallback stops the timer and sets its delegate. A nil delegate leaves
// the timer unable to start.
func (t *Timer) SetCallback(delegate TimerDelegate) {
	t.delegate = delegate
	if delegate == nil {
		t.CallbackTimer.SetCallback(nil, nil)
		return
	}
	t.CallbackTimer.SetCallback(t.fire, nil)
}

func (t *Timer) fire(any) {
	if d := t.delegate; d != nil {
		d()
	}
}

// InitializeMs sets the interval in milliseconds and the delegate.
// It returns the timer to allow chaining with Start.
func (t *Timer) InitializeMs(ms uint64, delegate TimerDelegate) *Timer {
	t.SetCallback(delegate)
	t.SetIntervalMs(ms)
	return t
}

// InitializeUs sets the interval in microseconds and the delegate.
func (t *Timer) InitializeUs(us uint64, delegate TimerDelegate) *Timer {
	t.SetCallback(delegate)
	t.SetIntervalUs(us)
	return t
}

// IntervalMs returns the interval in milliseconds.
func (t *Timer) IntervalMs() uint64 {
	return t.Interval(Milliseconds)
}

// IntervalUs returns the interval in microseconds.
func (t *Timer) IntervalUs() uint64 {
	return t.Interval(Microseconds)
}

// Close disarms the timer. The timer must not fire after Close returns.
func (t *Timer) Close() error {
	t.Stop()
	return nil
}
