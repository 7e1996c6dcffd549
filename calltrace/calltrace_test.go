// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package calltrace

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/trace"
)

type memorySink struct {
	mu       sync.Mutex
	segments [][]byte
}

func (m *memorySink) WriteSegment(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, bytes.Clone(data))
	return nil
}

// records returns the records of every segment of type t.
func (m *memorySink) records(t *testing.T, typ trace.RecordType) []trace.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trace.Record
	for _, seg := range m.segments {
		records, err := trace.ParseRecords(seg)
		require.NoError(t, err)
		for _, r := range records {
			if r.Type == typ {
				out = append(out, r)
			}
		}
	}
	return out
}

func newLogger(t *testing.T, options string, segmentSize int) (*Logger, *memorySink) {
	t.Helper()
	p, err := config.Parse(options)
	require.NoError(t, err)
	sink := &memorySink{}
	return New(p, trace.NewSession(sink, segmentSize), nil), sink
}

func TestFunctionIDDedup(t *testing.T) {
	l, sink := newLogger(t, "", 0)
	w := l.NewWriter(1)

	assert.Equal(t, uint32(0), w.FunctionID("foo"))
	assert.Equal(t, uint32(0), w.FunctionID("foo"))
	assert.Equal(t, uint32(1), w.FunctionID("bar"))
	assert.Equal(t, 2, l.NumFunctions())
	require.NoError(t, w.Flush())

	records := sink.records(t, trace.RecordFunctionName)
	require.Len(t, records, 2)
	var names []trace.FunctionName
	for _, r := range records {
		n, err := trace.DecodeFunctionName(r.Payload)
		require.NoError(t, err)
		names = append(names, n)
	}
	assert.Equal(t, []trace.FunctionName{{ID: 0, Name: "foo"}, {ID: 1, Name: "bar"}}, names)
}

func TestFunctionIDsSharedAcrossWriters(t *testing.T) {
	l, sink := newLogger(t, "", 0)
	a, b := l.NewWriter(1), l.NewWriter(2)
	assert.Equal(t, uint32(0), a.FunctionID("foo"))
	assert.Equal(t, uint32(0), b.FunctionID("foo"))
	assert.Equal(t, uint32(1), b.FunctionID("baz"))
	require.NoError(t, a.Flush())
	require.NoError(t, b.Flush())
	assert.Len(t, sink.records(t, trace.RecordFunctionName), 2)
}

func stackIDs(w *Writer) []uint32 {
	var ids []uint32
	for range 2 {
		ids = append(ids, w.StackTraceID())
	}
	return ids
}

func TestStackTraceID(t *testing.T) {
	tests := map[string]struct {
		options string
		zero    bool
		records int
	}{
		"none":  {options: "", zero: true},
		"track": {options: "--stack-trace-tracking=track"},
		"emit":  {options: "--stack-trace-tracking=emit", records: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			l, sink := newLogger(t, tc.options, 0)
			w := l.NewWriter(1)
			ids := stackIDs(w)
			assert.Equal(t, ids[0], ids[1])
			if tc.zero {
				assert.Zero(t, ids[0])
			}
			require.NoError(t, w.Flush())

			records := sink.records(t, trace.RecordStackTrace)
			require.Len(t, records, tc.records)
			if tc.records > 0 {
				st, err := trace.DecodeStackTrace(records[0].Payload)
				require.NoError(t, err)
				assert.Equal(t, ids[0], st.ID)
				assert.NotEmpty(t, st.Frames)
			}
		})
	}
}

func TestEmitDetailedCall(t *testing.T) {
	l, sink := newLogger(t, "--serialize-timestamps", 0)
	w := l.NewWriter(3)
	fid := w.FunctionID("memcpy")
	for i := range 3 {
		require.True(t, w.EmitDetailedCall(fid, 0, []byte{byte(i)}, []byte("dst")))
	}
	require.NoError(t, w.Flush())

	records := sink.records(t, trace.RecordDetailedCall)
	require.Len(t, records, 3)
	for i, r := range records {
		call, err := trace.DecodeDetailedCall(r.Payload)
		require.NoError(t, err)
		assert.Equal(t, fid, call.FunctionID)
		assert.Equal(t, uint64(i+1), call.Timestamp)
		assert.Equal(t, [][]byte{{byte(i)}, []byte("dst")}, call.Args)
	}
}

func TestSegmentExchange(t *testing.T) {
	l, sink := newLogger(t, "", trace.MinSegmentSize)
	w := l.NewWriter(1)
	for i := range 50 {
		w.FunctionID(strings.Repeat("f", i+1))
	}
	require.NoError(t, w.Flush())
	assert.Greater(t, len(sink.segments), 1)
	assert.Len(t, sink.records(t, trace.RecordFunctionName), 50)
	assert.Zero(t, l.Session().Dropped())

	// A record larger than a whole segment is dropped after one retry.
	assert.False(t, w.EmitDetailedCall(0, 0, make([]byte, 2*trace.MinSegmentSize)))
	assert.Equal(t, uint64(1), l.Session().Dropped())
}

func TestConcurrentWriters(t *testing.T) {
	l, sink := newLogger(t, "--serialize-timestamps", 1024)
	var wg sync.WaitGroup
	for thread := range uint32(8) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := l.NewWriter(thread)
			for range 100 {
				w.EmitDetailedCall(w.FunctionID("shared"), 0)
			}
			assert.NoError(t, w.Flush())
		}()
	}
	wg.Wait()
	assert.Len(t, sink.records(t, trace.RecordFunctionName), 1)

	seen := make(map[uint64]bool)
	for _, r := range sink.records(t, trace.RecordDetailedCall) {
		call, err := trace.DecodeDetailedCall(r.Payload)
		require.NoError(t, err)
		assert.False(t, seen[call.Timestamp], "duplicate timestamp %d", call.Timestamp)
		seen[call.Timestamp] = true
	}
	assert.Len(t, seen, 800)
}

// gatedSink blocks every segment write until release is closed.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSink) WriteSegment([]byte) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func TestFunctionIDDoesNotWaitForSegmentWrites(t *testing.T) {
	p, err := config.Parse("")
	require.NoError(t, err)
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	l := New(p, trace.NewSession(sink, 256), nil)
	a, b := l.NewWriter(1), l.NewWriter(2)

	// a fills its segment with names until the exchange blocks in the sink.
	filled := make(chan struct{})
	go func() {
		defer close(filled)
		for i := 0; ; i++ {
			select {
			case <-sink.entered:
				return
			default:
			}
			a.FunctionID(fmt.Sprintf("function-%04d", i))
		}
	}()
	<-sink.entered

	done := make(chan uint32)
	go func() { done <- b.FunctionID("other") }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FunctionID blocked behind a segment write")
	}
	close(sink.release)
	<-filled
}
