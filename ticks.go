// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"fmt"
	"math/bits"
	"time"
)

// TimeUnit is the unit of a time value converted to or from timer ticks.
type TimeUnit int

const (
	Nanoseconds TimeUnit = iota
	Microseconds
	Milliseconds
	Seconds
)

// String implements [fmt.Stringer].
func (u TimeUnit) String() string {
	switch u {
	case Nanoseconds:
		return "ns"
	case Microseconds:
		return "us"
	case Milliseconds:
		return "ms"
	case Seconds:
		return "s"
	default:
		return fmt.Sprintf("TimeUnit(%d)", int(u))
	}
}

// PerSecond returns how many units fit into one second.
func (u TimeUnit) PerSecond() uint64 {
	switch u {
	case Nanoseconds:
		return 1_000_000_000
	case Microseconds:
		return 1_000_000
	case Milliseconds:
		return 1_000
	default:
		return 1
	}
}

// Duration converts a value expressed in this unit to a [time.Duration].
func (u TimeUnit) Duration(value uint64) time.Duration {
	return time.Duration(value) * (time.Second / time.Duration(u.PerSecond()))
}

// Ratio is a rational number used for unit conversions.
type Ratio struct {
	Num uint64
	Den uint64
}

// MulDivRound returns value * Num / Den rounded to the nearest integer
// (halves round up). The product uses 128-bit arithmetic so that it cannot
// overflow; the result saturates at the largest uint64.
func (r Ratio) MulDivRound(value uint64) uint64 {
	if r.Den == 0 {
		return 0
	}
	hi, lo := bits.Mul64(value, r.Num)
	half := r.Den / 2
	var carry uint64
	lo, carry = bits.Add64(lo, half, 0)
	hi += carry
	if hi >= r.Den {
		return ^uint64(0)
	}
	quo, _ := bits.Div64(hi, lo, r.Den)
	return quo
}

// TimeToTicks converts a time value to ticks of a clock running at
// ticksPerSecond, rounding to the nearest tick.
func TimeToTicks(value uint64, unit TimeUnit, ticksPerSecond uint64) uint64 {
	return Ratio{Num: ticksPerSecond, Den: unit.PerSecond()}.MulDivRound(value)
}

// TicksToTime converts ticks of a clock running at ticksPerSecond to a time
// value, rounding to the nearest unit.
func TicksToTime(ticks uint64, unit TimeUnit, ticksPerSecond uint64) uint64 {
	return Ratio{Num: unit.PerSecond(), Den: ticksPerSecond}.MulDivRound(ticks)
}
