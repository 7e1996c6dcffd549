// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/syzygy-go/syzygy/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/syzygy-go/syzygy/vc"
)

// Reporter receives every batch of metrics in addition to the OTel instruments.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

var (
	// prevTimestamp holds the timestamp of the buffered metrics
	prevTimestamp uint32

	// metricsBuffer buffers the metrics for the timestamp assigned to prevTimestamp
	metricsBuffer = make([]Metric, IDMax)

	// metricIDSet is a bitvector used for fast membership operations, to avoid reporting
	// the same metric ID multiple times in the same batch
	metricIDSet = make([]uint64, 1+(IDMax/64))

	// nMetrics is the number of the current entries in metricsBuffer
	nMetrics int

	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	// Used in fallback checks, e.g. to avoid sending "counters" with 0 values
	metricTypes map[MetricID]MetricType

	meter = otel.Meter("github.com/syzygy-go/syzygy",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl Reporter

	// now is replaced in tests.
	now = func() uint32 { return uint32(time.Now().Unix()) }
)

// SetReporter installs r as the additional receiver of reported metrics.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		metricTypes[md.ID] = md.Type
		name := md.Field
		if name == "" {
			name = md.Name
		}
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// report converts and reports collected metrics via OTel metrics.
// Allow for report to be overridden in the test.
var report = func() {
	ctx := context.Background()
	if reporterImpl != nil {
		ids := make([]uint32, nMetrics)
		values := make([]int64, nMetrics)
		for i := range nMetrics {
			ids[i] = uint32(metricsBuffer[i].ID)
			values[i] = int64(metricsBuffer[i].Value)
		}
		reporterImpl.ReportMetrics(prevTimestamp, ids, values)
	}
	for i := range nMetrics {
		m := metricsBuffer[i]
		switch metricTypes[m.ID] {
		case MetricTypeCounter:
			if counter, ok := counters[m.ID]; ok {
				counter.Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[m.ID]; ok {
				gauge.Record(ctx, int64(m.Value))
			}
		}
	}
	nMetrics = 0
	clear(metricIDSet)
}

// AddSlice takes a slice of metrics from a metric provider.
// The function buffers the metrics and returns immediately.
//
// All metrics are collected until the timestamp (second resolution) changes. The buffered
// metrics of the previous timestamp are then reported before the new ones are buffered, so
// every batch carries the timestamp it was collected at. A metric id is only taken once per
// batch.
func AddSlice(newMetrics []Metric) {
	ts := now()

	mutex.Lock()
	defer mutex.Unlock()

	if prevTimestamp != ts && nMetrics > 0 {
		report()
	}
	prevTimestamp = ts

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}

		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}

		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}

		idx := m.ID / 64
		mask := uint64(1) << (m.ID % 64)
		if metricIDSet[idx]&mask > 0 {
			log.Debugf("Metric ID %d:%v reported multiple times", m.ID, m.Value)
			continue
		}

		metricIDSet[idx] |= mask
		metricsBuffer[nMetrics] = m
		nMetrics++
	}
}

// Add takes a single metric (id and value) from a metric provider.
// The function buffers the metric and returns immediately.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered metrics right away.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	if nMetrics > 0 {
		report()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
