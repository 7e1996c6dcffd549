// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink keeps copies of the segments it receives.
type memorySink struct {
	segments [][]byte
	err      error
}

func (m *memorySink) WriteSegment(data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.segments = append(m.segments, bytes.Clone(data))
	return nil
}

func TestSegmentRecords(t *testing.T) {
	s := NewSession(&memorySink{}, 0)
	seg := s.NewSegment(7)
	assert.True(t, seg.Empty())
	assert.Equal(t, uint32(7), seg.ThreadID())

	name := FunctionName{ID: 3, Name: "foo"}
	name.Encode(seg.Allocate(RecordFunctionName, name.Size()))
	stack := StackTrace{ID: 0xabcd, Frames: []uint64{0x401000, 0x402000}}
	stack.Encode(seg.Allocate(RecordStackTrace, stack.Size()))
	call := DetailedCall{FunctionID: 3, StackTraceID: 0xabcd, Timestamp: 99,
		Args: [][]byte{{1, 2, 3, 4}, {}, {9}}}
	call.Encode(seg.Allocate(RecordDetailedCall, call.Size()))
	assert.False(t, seg.Empty())

	records, err := ParseRecords(seg.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 4)
	types := make([]RecordType, len(records))
	for i, r := range records {
		types[i] = r.Type
		assert.Equal(t, uint16(RecordVersion), r.Version)
	}
	assert.Equal(t, []RecordType{RecordSegmentHeader, RecordFunctionName, RecordStackTrace,
		RecordDetailedCall}, types)

	hdr, err := DecodeSegmentHeader(records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, SegmentHeader{SegmentID: seg.ID(), ThreadID: 7}, hdr)
	gotName, err := DecodeFunctionName(records[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, name, gotName)
	gotStack, err := DecodeStackTrace(records[2].Payload)
	require.NoError(t, err)
	assert.Equal(t, stack, gotStack)
	gotCall, err := DecodeDetailedCall(records[3].Payload)
	require.NoError(t, err)
	assert.Equal(t, call.FunctionID, gotCall.FunctionID)
	assert.Equal(t, call.Timestamp, gotCall.Timestamp)
	require.Len(t, gotCall.Args, 3)
	assert.Equal(t, []byte{1, 2, 3, 4}, gotCall.Args[0])
	assert.Empty(t, gotCall.Args[1])
	assert.Equal(t, []byte{9}, gotCall.Args[2])
}

func TestSegmentFull(t *testing.T) {
	s := NewSession(&memorySink{}, MinSegmentSize)
	seg := s.NewSegment(0)
	free := seg.Remaining()
	assert.Nil(t, seg.Allocate(RecordDetailedCall, free-RecordHeaderSize+1))
	assert.Equal(t, free, seg.Remaining())
	assert.NotNil(t, seg.Allocate(RecordDetailedCall, free-RecordHeaderSize))
	assert.Zero(t, seg.Remaining())
	assert.Nil(t, seg.Allocate(RecordDetailedCall, 0))
	assert.Nil(t, seg.Allocate(RecordDetailedCall, -1))
}

func TestParseRecordsTruncated(t *testing.T) {
	s := NewSession(&memorySink{}, 0)
	seg := s.NewSegment(0)
	name := FunctionName{ID: 1, Name: "bar"}
	name.Encode(seg.Allocate(RecordFunctionName, name.Size()))
	data := seg.Bytes()

	for _, cut := range []int{len(data) - 1, len(data) - name.Size() - 2} {
		records, err := ParseRecords(data[:cut])
		require.ErrorIs(t, err, ErrTruncated)
		assert.Len(t, records, 1)
	}
	_, err := DecodeFunctionName([]byte{1, 0, 0, 0, 9, 0, 0, 0, 'x'})
	require.ErrorIs(t, err, ErrTruncated)
	_, err = DecodeDetailedCall(make([]byte, 19))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSessionExchange(t *testing.T) {
	sink := &memorySink{}
	s := NewSession(sink, 0)
	seg := s.NewSegment(5)
	require.NoError(t, s.Flush(seg))
	assert.Empty(t, sink.segments, "empty segments are not flushed")

	seg.Allocate(RecordFunctionName, 16)
	next, err := s.Exchange(seg)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), next.ThreadID())
	assert.NotEqual(t, seg.ID(), next.ID())
	assert.True(t, next.Empty())
	require.Len(t, sink.segments, 1)
	assert.Equal(t, seg.Bytes(), sink.segments[0])

	sink.err = errors.New("disk full")
	_, err = s.Exchange(next)
	require.ErrorIs(t, err, sink.err)

	s.Close()
	_, err = s.Exchange(next)
	require.ErrorIs(t, err, ErrSessionClosed)

	s.Drop()
	s.Drop()
	assert.Equal(t, uint64(2), s.Dropped())
	s.CollectMetrics()
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestFileRoundTrip(t *testing.T) {
	var out bytes.Buffer
	w, err := NewFileWriter(&out)
	require.NoError(t, err)
	s := NewSession(w, 1024)

	var written [][]byte
	for thread := range uint32(3) {
		seg := s.NewSegment(thread)
		for i := range 10 {
			name := FunctionName{ID: uint32(i), Name: "function"}
			name.Encode(seg.Allocate(RecordFunctionName, name.Size()))
		}
		written = append(written, bytes.Clone(seg.Bytes()))
		require.NoError(t, s.Flush(seg))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 3, w.Segments())
	require.ErrorIs(t, w.WriteSegment([]byte{1}), os.ErrClosed)

	r, err := NewFileReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 3, r.NumSegments())
	var total uint64
	for i := 2; i >= 0; i-- {
		data, err := r.Segment(i)
		require.NoError(t, err)
		assert.Equal(t, written[i], data)
		total += uint64(len(data))
	}
	assert.Equal(t, total, r.UncompressedSize())
	_, err = r.Segment(3)
	require.Error(t, err)
}

func TestFileReaderRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"short":     []byte("SZTRACE0"),
		"bad magic": bytes.Repeat([]byte{0}, 64),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewFileReader(bytes.NewReader(data), int64(len(data)))
			require.ErrorIs(t, err, ErrBadFile)
		})
	}
}
