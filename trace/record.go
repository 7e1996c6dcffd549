// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace holds the record stream written by the call logger: framed records in
// fixed-size segments, the session that exchanges full segments for empty ones, and the
// compressed file segments are stored in.
package trace // import "github.com/syzygy-go/syzygy/trace"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordType identifies the payload of a record.
type RecordType uint16

const (
	RecordSegmentHeader RecordType = iota + 1
	RecordFunctionName
	RecordStackTrace
	RecordDetailedCall
)

func (t RecordType) String() string {
	switch t {
	case RecordSegmentHeader:
		return "segment-header"
	case RecordFunctionName:
		return "function-name"
	case RecordStackTrace:
		return "stack-trace"
	case RecordDetailedCall:
		return "detailed-call"
	}
	return fmt.Sprintf("record-type-%d", uint16(t))
}

const (
	// RecordHeaderSize is the size of the framing preceding every payload.
	RecordHeaderSize = 8
	// RecordVersion is the payload version written by this package.
	RecordVersion = 1
)

// ErrTruncated is returned when a record extends past the end of its segment.
var ErrTruncated = errors.New("truncated record")

// RecordHeader frames a payload.
type RecordHeader struct {
	Type    RecordType
	Version uint16
	Size    uint32
}

// Record is a framed payload.
type Record struct {
	RecordHeader
	Payload []byte
}

// ParseRecords splits the used part of a segment into records.
func ParseRecords(data []byte) ([]Record, error) {
	var records []Record
	for off := 0; off < len(data); {
		if len(data)-off < RecordHeaderSize {
			return records, fmt.Errorf("header at %d: %w", off, ErrTruncated)
		}
		var r Record
		if _, err := binary.Decode(data[off:], binary.LittleEndian, &r.RecordHeader); err != nil {
			return records, err
		}
		start := off + RecordHeaderSize
		end := start + int(r.Size)
		if end > len(data) {
			return records, fmt.Errorf("%v payload at %d: %w", r.Type, start, ErrTruncated)
		}
		r.Payload = data[start:end:end]
		records = append(records, r)
		off = end
	}
	return records, nil
}

// SegmentHeader starts every segment.
type SegmentHeader struct {
	SegmentID uint32
	ThreadID  uint32
}

const segmentHeaderSize = 8

func (h *SegmentHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst, h.SegmentID)
	binary.LittleEndian.PutUint32(dst[4:], h.ThreadID)
}

// DecodeSegmentHeader decodes a RecordSegmentHeader payload.
func DecodeSegmentHeader(p []byte) (SegmentHeader, error) {
	if len(p) < segmentHeaderSize {
		return SegmentHeader{}, ErrTruncated
	}
	return SegmentHeader{
		SegmentID: binary.LittleEndian.Uint32(p),
		ThreadID:  binary.LittleEndian.Uint32(p[4:]),
	}, nil
}

// FunctionName binds a function id to its name.
type FunctionName struct {
	ID   uint32
	Name string
}

// Size returns the payload size of n.
func (n *FunctionName) Size() int { return 8 + len(n.Name) }

// Encode writes n into dst, which holds at least Size bytes.
func (n *FunctionName) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst, n.ID)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(n.Name)))
	copy(dst[8:], n.Name)
}

// DecodeFunctionName decodes a RecordFunctionName payload.
func DecodeFunctionName(p []byte) (FunctionName, error) {
	if len(p) < 8 {
		return FunctionName{}, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(p[4:]))
	if len(p) < 8+n {
		return FunctionName{}, ErrTruncated
	}
	return FunctionName{ID: binary.LittleEndian.Uint32(p), Name: string(p[8 : 8+n])}, nil
}

// StackTrace lists the frames of a stack id.
type StackTrace struct {
	ID     uint32
	Frames []uint64
}

// Size returns the payload size of s.
func (s *StackTrace) Size() int { return 8 + 8*len(s.Frames) }

// Encode writes s into dst, which holds at least Size bytes.
func (s *StackTrace) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst, s.ID)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(s.Frames)))
	for i, f := range s.Frames {
		binary.LittleEndian.PutUint64(dst[8+8*i:], f)
	}
}

// DecodeStackTrace decodes a RecordStackTrace payload.
func DecodeStackTrace(p []byte) (StackTrace, error) {
	if len(p) < 8 {
		return StackTrace{}, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(p[4:]))
	if len(p) < 8+8*n {
		return StackTrace{}, ErrTruncated
	}
	s := StackTrace{ID: binary.LittleEndian.Uint32(p), Frames: make([]uint64, n)}
	for i := range s.Frames {
		s.Frames[i] = binary.LittleEndian.Uint64(p[8+8*i:])
	}
	return s, nil
}

// DetailedCall is one call with its arguments.
type DetailedCall struct {
	FunctionID   uint32
	StackTraceID uint32
	Timestamp    uint64
	Args         [][]byte
}

// Size returns the payload size of c.
func (c *DetailedCall) Size() int {
	n := 20 + 4*len(c.Args)
	for _, a := range c.Args {
		n += len(a)
	}
	return n
}

// Encode writes c into dst, which holds at least Size bytes.
func (c *DetailedCall) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst, c.FunctionID)
	binary.LittleEndian.PutUint32(dst[4:], c.StackTraceID)
	binary.LittleEndian.PutUint64(dst[8:], c.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:], uint32(len(c.Args)))
	off := 20
	for _, a := range c.Args {
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(a)))
		off += 4
	}
	for _, a := range c.Args {
		off += copy(dst[off:], a)
	}
}

// DecodeDetailedCall decodes a RecordDetailedCall payload. The arguments alias p.
func DecodeDetailedCall(p []byte) (DetailedCall, error) {
	if len(p) < 20 {
		return DetailedCall{}, ErrTruncated
	}
	c := DetailedCall{
		FunctionID:   binary.LittleEndian.Uint32(p),
		StackTraceID: binary.LittleEndian.Uint32(p[4:]),
		Timestamp:    binary.LittleEndian.Uint64(p[8:]),
	}
	count := int(binary.LittleEndian.Uint32(p[16:]))
	off := 20 + 4*count
	if count > len(p) || len(p) < off {
		return DetailedCall{}, ErrTruncated
	}
	c.Args = make([][]byte, count)
	for i := range c.Args {
		n := int(binary.LittleEndian.Uint32(p[20+4*i:]))
		if len(p)-off < n {
			return DetailedCall{}, ErrTruncated
		}
		c.Args[i] = p[off : off+n : off+n]
		off += n
	}
	return c, nil
}
