// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "github.com/syzygy-go/syzygy/times"

import (
	"time"
	_ "unsafe" // required to use //go:linkname for runtime.nanotime
)

// Ticks is a reading of the monotonic clock in nanoseconds. It stamps call trace records and
// crash reports.
type Ticks int64

// Now reads the monotonic clock. It relies on runtime.nanotime using CLOCK_MONOTONIC, which
// is served from the vDSO without a syscall.
//
//go:noescape
//go:linkname Now runtime.nanotime
func Now() Ticks

// Sub returns the duration t-u.
func (t Ticks) Sub(u Ticks) time.Duration {
	return time.Duration(t - u)
}

// Time converts the tick count into wall clock time.
func (t Ticks) Time() time.Time {
	return time.Unix(0, t.UnixNano())
}

// UnixNano converts the tick count to nanoseconds since the epoch. StartRealtimeSync must have
// run for the result to be meaningful.
func (t Ticks) UnixNano() int64 {
	return int64(t) + bootTimeUnixNano.Load()
}
