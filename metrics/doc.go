// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics buffers the counters and gauges of the ASan runtime, the call logger and the
logger service and forwards them to OpenTelemetry instruments once per second.

Components keep their own counters and periodically hand the deltas over:

	periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice([]metrics.Metric{
			{ID: metrics.IDHeapAllocations, Value: metrics.MetricValue(n)},
		})
	})

Metric ids are defined in metrics.json; ids.go is generated from it.

The directory structure is

	metrics
	├── agentmetrics/   // goroutine, Go heap and rusage metrics of the agent itself
	├── genids/         // generator for ids.go
	├── doc.go          // this file
	├── ids.go          // generated metric ids
	├── metrics.go      // Add(), AddSlice() and the OTel instruments
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics // import "github.com/syzygy-go/syzygy/metrics"
