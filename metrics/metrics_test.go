// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))
	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}
	f.result <- metricsResult
}

func TestMetrics(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	t.Cleanup(func() { SetReporter(nil) })

	ts := uint32(1000)
	orig := now
	now = func() uint32 { return ts }
	t.Cleanup(func() { now = orig })

	inputMetrics := []Metric{
		{IDHeapAllocations, MetricValue(33)},
		{IDHeapFrees, MetricValue(55)},
		{IDQuarantineBytes, MetricValue(66)},
		{IDAgentGoRoutines, MetricValue(20)},
		{IDCorruptBlocks, MetricValue(0)},
	}

	AddSlice(inputMetrics[0:2])                    // 33, 55
	Add(inputMetrics[1].ID, inputMetrics[1].Value) // 55, dropped
	Add(inputMetrics[2].ID, inputMetrics[2].Value) // 66
	AddSlice(inputMetrics[3:4])                    // 20
	Add(inputMetrics[0].ID, inputMetrics[0].Value) // 33, dropped
	AddSlice(inputMetrics[1:3])                    // 55, 66 dropped
	AddSlice(inputMetrics[2:5])                    // 66 dropped, 20 dropped, 0 dropped
	Add(IDMax, 1)                                  // out of range
	Add(IDInvalid, 1)                              // out of range

	// Counters with a 0 value are not reported.
	inputMetrics = inputMetrics[:4]

	ts++
	AddSlice(nil)

	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, inputMetrics, outputMetrics)
	default:
		assert.Fail(t, "no metrics reported")
	}

	Add(IDLoggerWrites, 2)
	Flush()
	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, []Metric{{IDLoggerWrites, 2}}, outputMetrics)
	default:
		assert.Fail(t, "flush did not report")
	}
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	require.Len(t, defs, IDMax)
	seen := map[MetricID]bool{}
	for i, d := range defs {
		assert.Equal(t, MetricID(i), d.ID, "metrics.json must stay ordered by id")
		assert.False(t, seen[d.ID])
		seen[d.ID] = true
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, d.Type)
	}
}
