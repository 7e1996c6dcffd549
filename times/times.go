// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the monotonic tick source and the intervals and timeouts used by the
// runtime, the call logger and the logger service.
package times // import "github.com/syzygy-go/syzygy/times"

import (
	"context"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/syzygy-go/syzygy/periodiccaller"
)

const (
	// Number of timing samples to use when computing the monotonic clock offset.
	sampleSize = 5
	// GRPCConnectionTimeout bounds establishing the connection to the logger service.
	GRPCConnectionTimeout = 3 * time.Second
	// GRPCOperationTimeout bounds each call to the logger service.
	GRPCOperationTimeout = 5 * time.Second
	// DrainTimeout bounds how long the logger service waits for in-flight calls on shutdown.
	DrainTimeout = 10 * time.Second
	// RealtimeSyncInterval is how often the monotonic clock offset is recomputed.
	RealtimeSyncInterval = 3 * time.Minute
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// bootTimeUnixNano is the delta that turns a monotonic reading into time since the epoch.
var bootTimeUnixNano atomic.Int64

// Times hold the intervals and timeouts used across the agent in a central place.
type Times struct {
	metricsInterval       time.Duration
	stackReportInterval   time.Duration
	grpcConnectionTimeout time.Duration
	grpcOperationTimeout  time.Duration
	drainTimeout          time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// MetricsInterval is how often runtime counters are handed to the metrics package.
	MetricsInterval() time.Duration
	// StackReportInterval is how often the stack cache logs its compression.
	StackReportInterval() time.Duration
	// GRPCConnectionTimeout bounds establishing a connection to the logger service.
	GRPCConnectionTimeout() time.Duration
	// GRPCOperationTimeout bounds a single logger service call.
	GRPCOperationTimeout() time.Duration
	// DrainTimeout bounds waiting for in-flight logger calls on shutdown.
	DrainTimeout() time.Duration
}

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

func (t *Times) StackReportInterval() time.Duration { return t.stackReportInterval }

func (t *Times) GRPCConnectionTimeout() time.Duration { return t.grpcConnectionTimeout }

func (t *Times) GRPCOperationTimeout() time.Duration { return t.grpcOperationTimeout }

func (t *Times) DrainTimeout() time.Duration { return t.drainTimeout }

// New returns a new Times instance.
func New(metricsInterval, stackReportInterval time.Duration) *Times {
	return &Times{
		metricsInterval:       metricsInterval,
		stackReportInterval:   stackReportInterval,
		grpcConnectionTimeout: GRPCConnectionTimeout,
		grpcOperationTimeout:  GRPCOperationTimeout,
		drainTimeout:          DrainTimeout,
	}
}

// StartRealtimeSync computes the delta between the monotonic clock and the realtime clock. If
// syncInterval is greater than zero, it also starts a goroutine to recompute it periodically.
func StartRealtimeSync(ctx context.Context, syncInterval time.Duration) {
	bootTimeUnixNano.Store(getBootTimeUnixNano())

	if syncInterval > 0 {
		periodiccaller.Start(ctx, syncInterval, func() {
			bootTimeUnixNano.Store(getBootTimeUnixNano())
		})
	}
}

// getBootTimeUnixNano returns the monotonic clock origin in nanoseconds since the epoch,
// temporarily locking the calling goroutine to its OS thread.
func getBootTimeUnixNano() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	type sample struct {
		t1    time.Time
		ticks Ticks
		t2    time.Time
	}
	samples := make([]sample, sampleSize)
	for i := range samples {
		// Scheduling noise is filtered by keeping the tightest of several readings.
		samples[i].t1 = time.Now()
		samples[i].ticks = Now()
		samples[i].t2 = time.Now()
	}
	best := slices.MinFunc(samples, func(a, b sample) int {
		return cmpDuration(a.t2.Sub(a.t1).Abs(), b.t2.Sub(b.t1).Abs())
	})
	return best.t1.UnixNano() - int64(best.ticks)
}

func cmpDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
