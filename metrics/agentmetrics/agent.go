// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports resource usage of the process hosting the ASan runtime or the
// logger service.
package agentmetrics // import "github.com/syzygy-go/syzygy/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/syzygy-go/syzygy/metrics"
	"github.com/syzygy-go/syzygy/periodiccaller"
)

// cpuTimes holds the user and system time of the previous sample.
type cpuTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now-prev in whole milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	return int64(now.Sec-prev.Sec)*1000 + int64(now.Usec-prev.Usec)/1000
}

func sample() (unix.Rusage, error) {
	var rusage unix.Rusage
	err := unix.Getrusage(unix.RUSAGE_SELF, &rusage)
	return rusage, err
}

// collect samples the process and returns the metrics to report.
func (c *cpuTimes) collect(rusage *unix.Rusage) []metrics.Metric {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	out := []metrics.Metric{
		{ID: metrics.IDAgentGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDAgentHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
		{ID: metrics.IDAgentUTime, Value: metrics.MetricValue(timeDelta(rusage.Utime, c.utime))},
		{ID: metrics.IDAgentSTime, Value: metrics.MetricValue(timeDelta(rusage.Stime, c.stime))},
	}
	c.utime = rusage.Utime
	c.stime = rusage.Stime
	return out
}

// Start reports agent metrics every interval until the returned function is called or ctx
// is done.
func Start(mainCtx context.Context, interval time.Duration) (func(), error) {
	rusage, err := sample()
	if err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return func() {}, err
	}
	prev := cpuTimes{utime: rusage.Utime, stime: rusage.Stime}

	ctx, cancel := context.WithCancel(mainCtx)
	stopReporting := periodiccaller.Start(ctx, interval, func() {
		rusage, err := sample()
		if err != nil {
			log.Errorf("Failed to fetch Rusage: %v", err)
			return
		}
		metrics.AddSlice(prev.collect(&rusage))
	})

	return func() {
		cancel()
		stopReporting()
	}, nil
}
