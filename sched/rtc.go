// Package sched implements the unified scheduler: RTC-ordered per-state
// heaps mixing userspace processes and kernel async tasks, waker-based
// blocking, and deadline wakeups.
package sched

import "sync/atomic"

// RTC is the kernel's monotonic nanosecond counter, used as the sole
// ordering key for fair scheduling. On real hardware it is
// derived from the TSC via a calibration factor established at boot; this
// module is given a pluggable clock so tests can control ordering
// deterministically without sleeping.
type RTC uint64

// Clock supplies Now(); installed once at boot (TSC-backed) or by
// tests (a manually-advanced counter).
type Clock interface {
	NowNanos() uint64
}

// counterClock is a simple atomically-incrementing stand-in clock used by
// default and by tests: each call returns a strictly increasing value, so
// RTC-ordering tests don't depend on wall-clock resolution.
type counterClock struct{ n uint64 }

func (c *counterClock) NowNanos() uint64 { return atomic.AddUint64(&c.n, 1) }

var activeClock Clock = &counterClock{}

// SetClock installs the clock used by Now. Call once at boot (after TSC
// calibration) or in test setup.
func SetClock(c Clock) { activeClock = c }

// Now returns the current RTC value from the active clock.
func Now() RTC { return RTC(activeClock.NowNanos()) }
