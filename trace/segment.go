// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/syzygy-go/syzygy/trace"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/metrics"
)

// MinSegmentSize is the smallest segment a session creates.
const MinSegmentSize = 256

// ErrSessionClosed is returned when exchanging segments of a closed session.
var ErrSessionClosed = errors.New("trace session closed")

// Segment is a fixed-size buffer records are appended to. A segment has a single writer.
type Segment struct {
	header SegmentHeader
	buf    []byte
	used   int
}

// ID returns the id of the segment in its session.
func (s *Segment) ID() uint32 { return s.header.SegmentID }

// ThreadID returns the thread the segment was created for.
func (s *Segment) ThreadID() uint32 { return s.header.ThreadID }

// Allocate frames a record of t with size payload bytes and returns the payload. It returns
// nil when the segment cannot hold the record.
func (s *Segment) Allocate(t RecordType, size int) []byte {
	total := RecordHeaderSize + size
	if size < 0 || total > len(s.buf)-s.used {
		return nil
	}
	rec := s.buf[s.used : s.used+total : s.used+total]
	binary.LittleEndian.PutUint16(rec, uint16(t))
	binary.LittleEndian.PutUint16(rec[2:], RecordVersion)
	binary.LittleEndian.PutUint32(rec[4:], uint32(size))
	s.used += total
	return rec[RecordHeaderSize:]
}

// Bytes returns the records written so far.
func (s *Segment) Bytes() []byte { return s.buf[:s.used] }

// Remaining returns the number of free bytes.
func (s *Segment) Remaining() int { return len(s.buf) - s.used }

// Empty reports whether the segment holds no record besides its header.
func (s *Segment) Empty() bool { return s.used <= RecordHeaderSize+segmentHeaderSize }

// Sink receives full segments.
type Sink interface {
	WriteSegment(data []byte) error
}

// Session hands out segments and passes full ones to a sink. It is safe for concurrent use.
type Session struct {
	segmentSize int

	mu     sync.Mutex
	sink   Sink
	nextID uint32
	closed bool

	dropped atomic.Uint64
	// deltas handed to metrics
	exchangesDelta, droppedDelta atomic.Uint64
}

// NewSession creates a session writing segments of segmentSize bytes to sink.
func NewSession(sink Sink, segmentSize int) *Session {
	return &Session{sink: sink, segmentSize: max(segmentSize, MinSegmentSize)}
}

// NewSegment returns an empty segment for threadID.
func (s *Session) NewSegment(threadID uint32) *Segment {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	seg := &Segment{
		header: SegmentHeader{SegmentID: id, ThreadID: threadID},
		buf:    make([]byte, s.segmentSize),
	}
	seg.header.encode(seg.Allocate(RecordSegmentHeader, segmentHeaderSize))
	return seg
}

// Exchange passes seg to the sink and returns an empty segment for the same thread.
func (s *Session) Exchange(seg *Segment) (*Segment, error) {
	if err := s.flush(seg); err != nil {
		return nil, err
	}
	s.exchangesDelta.Add(1)
	return s.NewSegment(seg.ThreadID()), nil
}

// Flush passes seg to the sink unless it is empty. seg must not be written to afterwards.
func (s *Session) Flush(seg *Segment) error {
	if seg.Empty() {
		return nil
	}
	return s.flush(seg)
}

func (s *Session) flush(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.sink.WriteSegment(seg.Bytes()); err != nil {
		return fmt.Errorf("segment %d: %w", seg.ID(), err)
	}
	return nil
}

// Drop accounts for an event that could not be written.
func (s *Session) Drop() {
	s.droppedDelta.Add(1)
	if s.dropped.Add(1) == 1 {
		log.Warnf("Trace session dropped its first event")
	}
}

// Dropped returns the number of dropped events.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting segments.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// CollectMetrics hands the counters accumulated since the previous call to the metrics
// package.
func (s *Session) CollectMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDTraceSegmentExchanges,
			Value: metrics.MetricValue(s.exchangesDelta.Swap(0))},
		{ID: metrics.IDTraceEventsDropped,
			Value: metrics.MetricValue(s.droppedDelta.Swap(0))},
	})
}
