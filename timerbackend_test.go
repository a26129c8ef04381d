// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Intervals fitting the inner backend pass through unchanged.
func TestLongTimerAPIShortInterval(t *testing.T) {
	inner := newFakeTimerAPI()
	long := NewLongTimerAPI(inner)

	assert.Equal(t, "fake64", long.Name())
	assert.Equal(t, uint64(math.MaxInt64), long.MaxTicks())
	assert.Equal(t, inner.MinTicks(), long.MinTicks())
	assert.Equal(t, inner.TicksPerSecond(), long.TicksPerSecond())

	fired := 0
	long.SetCallback(func(any) { fired++ }, nil)
	long.SetInterval(1000)
	assert.Equal(t, uint64(0), long.CounterLimit())
	assert.Equal(t, uint64(1000), long.SubInterval())

	long.Arm(false)
	assert.False(t, inner.repeating)
	inner.fire()
	assert.Equal(t, 1, fired)
}

// Long intervals are split into equal sub-intervals and the callback runs
// once every limit inner firings.
func TestLongTimerAPILongInterval(t *testing.T) {
	tests := []struct {
		name      string
		repeating bool
		fires     int
		want      int
	}{
		{"one-shot", false, 9, 1},
		{"repeating", true, 9, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := newFakeTimerAPI()
			long := NewLongTimerAPI(inner)

			var got []any
			long.SetCallback(func(arg any) { got = append(got, arg) }, "arg")
			long.SetInterval(2500)

			// 2500 / (1000 + 1) + 1 = 3 sub-intervals of 833 ticks
			assert.Equal(t, uint64(3), long.CounterLimit())
			assert.Equal(t, uint64(833), long.SubInterval())
			assert.Equal(t, uint64(2500), long.Interval())

			long.Arm(tt.repeating)
			assert.True(t, inner.repeating, "inner timer repeats to count sub-intervals")

			for range 2 {
				inner.fire()
			}
			assert.Empty(t, got)

			for range tt.fires - 2 {
				inner.fire()
			}
			assert.Len(t, got, tt.want)
			assert.Equal(t, "arg", got[0])
			assert.Equal(t, tt.repeating, inner.armed)
		})
	}
}

// Re-arming resets the sub-interval counter.
func TestLongTimerAPIArmResetsCounter(t *testing.T) {
	inner := newFakeTimerAPI()
	long := NewLongTimerAPI(inner)
	fired := 0
	long.SetCallback(func(any) { fired++ }, nil)
	long.SetInterval(2500)

	long.Arm(false)
	inner.fire()
	inner.fire()
	long.Disarm()
	long.Arm(false)
	inner.fire()
	inner.fire()
	assert.Equal(t, 0, fired)
	inner.fire()
	assert.Equal(t, 1, fired)
}

// The OS timer posts callbacks to the loop.
func TestSoftTimerAPIFiresOnLoop(t *testing.T) {
	loop := startLoop(t, NewConfig())
	api := NewSoftTimerAPI(loop)

	assert.Equal(t, "ostimer", api.Name())
	assert.Equal(t, uint64(SoftTimerTicksPerSecond), api.TicksPerSecond())

	fired := make(chan any, 1)
	api.SetCallback(func(arg any) { fired <- arg }, 42)
	api.SetInterval(TimeToTicks(5, Milliseconds, SoftTimerTicksPerSecond))
	api.Arm(false)

	assert.Equal(t, 42, waitFor(t, fired))
}

// A disarmed timer never invokes its callback.
func TestSoftTimerAPIDisarm(t *testing.T) {
	loop := startLoop(t, NewConfig())
	api := NewSoftTimerAPI(loop)

	fired := make(chan struct{}, 1)
	api.SetCallback(func(any) { fired <- struct{}{} }, nil)
	api.SetInterval(TimeToTicks(20, Milliseconds, SoftTimerTicksPerSecond))
	api.Arm(true)
	api.Disarm()

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

// There is a single hardware peripheral; callbacks run on the timer goroutine.
func TestHardwareTimerAPI(t *testing.T) {
	api := NewHardwareTimerAPI()
	t.Cleanup(func() { api.Close() })

	assert.Equal(t, "hwtimer", api.Name())
	assert.Equal(t, uint64(5_000_000), api.TicksPerSecond())
	assert.Panics(t, func() { NewHardwareTimerAPI() })

	fired := make(chan struct{}, 4)
	api.SetCallback(func(any) { fired <- struct{}{} }, nil)
	api.SetInterval(TimeToTicks(2, Milliseconds, api.TicksPerSecond()))
	api.Arm(false)
	waitFor(t, fired)

	require.NoError(t, api.Close())
	require.NoError(t, api.Close())
	api.Arm(true)
	select {
	case <-fired:
		t.Fatal("closed peripheral fired")
	case <-time.After(50 * time.Millisecond):
	}

	// Detached: a new peripheral can be attached
	again := NewHardwareTimerAPI()
	require.NoError(t, again.Close())
}
