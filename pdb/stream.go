// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream is a random access byte sequence with a read cursor.
//
// ReadBytes fills dst completely and returns (len(dst), nil), or returns (0, io.EOF) when the
// cursor is at the end of the stream. A read that can only be partially satisfied is a failure:
// it consumes what is available and returns io.ErrUnexpectedEOF.
type Stream interface {
	Length() uint32
	Pos() uint32
	BytesLeft() uint32
	// Seek moves the cursor to pos, which must not exceed the length.
	Seek(pos uint32) error
	ReadBytes(dst []byte) (int, error)
}

// ErrSeekOutOfRange is returned by Seek for positions past the end of the stream.
var ErrSeekOutOfRange = errors.New("seek past end of stream")

// readFull applies the Stream read contract on top of a positioned read of the whole of dst.
func readFull(s Stream, dst []byte, readAt func(dst []byte, pos uint32) error) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	left := s.BytesLeft()
	if left == 0 {
		return 0, io.EOF
	}
	n := uint32(min(uint64(len(dst)), uint64(left)))
	if err := readAt(dst[:n], s.Pos()); err != nil {
		return 0, err
	}
	if err := s.Seek(s.Pos() + n); err != nil {
		return 0, err
	}
	if int(n) < len(dst) {
		return int(n), io.ErrUnexpectedEOF
	}
	return int(n), nil
}

// ReadValues reads n fixed size little-endian values of type T.
func ReadValues[T any](s Stream, n int) ([]T, error) {
	out := make([]T, n)
	size := binary.Size(out)
	if size < 0 {
		return nil, fmt.Errorf("%T is not a fixed size type", out)
	}
	if uint64(size) > uint64(s.BytesLeft()) {
		return nil, fmt.Errorf("reading %d bytes at %d with %d left: %w", size, s.Pos(),
			s.BytesLeft(), ErrShortStream)
	}
	buf := make([]byte, size)
	if _, err := s.ReadBytes(buf); err != nil && size > 0 {
		return nil, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadValue reads one fixed size little-endian value of type T.
func ReadValue[T any](s Stream) (T, error) {
	var zero T
	v, err := ReadValues[T](s, 1)
	if err != nil {
		return zero, err
	}
	return v[0], nil
}

// ReadString reads a NUL terminated string. The terminator is consumed but not returned.
func ReadString(s Stream) (string, error) {
	var sb bytes.Buffer
	var c [1]byte
	for {
		if _, err := s.ReadBytes(c[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("unterminated string: %w", ErrShortStream)
			}
			return "", err
		}
		if c[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(c[0])
	}
}

// ReadAll returns the whole content of s. The cursor is left at the end.
func ReadAll(s Stream) ([]byte, error) {
	if err := s.Seek(0); err != nil {
		return nil, err
	}
	data := make([]byte, s.Length())
	if _, err := s.ReadBytes(data); err != nil && len(data) > 0 {
		return nil, err
	}
	return data, nil
}

// buffer is the storage shared by a ByteStream and its writers.
type buffer struct {
	data []byte
}

// ByteStream is a stream over an in-memory buffer.
type ByteStream struct {
	buf *buffer
	pos uint32
}

var _ Stream = &ByteStream{}

// NewByteStream creates a stream over a copy of data.
func NewByteStream(data []byte) *ByteStream {
	return &ByteStream{buf: &buffer{data: bytes.Clone(data)}}
}

// CopyStream creates a ByteStream holding the whole content of s.
func CopyStream(s Stream) (*ByteStream, error) {
	data, err := ReadAll(s)
	if err != nil {
		return nil, err
	}
	return &ByteStream{buf: &buffer{data: data}}, nil
}

func (s *ByteStream) Length() uint32    { return uint32(len(s.buf.data)) }
func (s *ByteStream) Pos() uint32       { return s.pos }
func (s *ByteStream) BytesLeft() uint32 { return s.Length() - min(s.pos, s.Length()) }

func (s *ByteStream) Seek(pos uint32) error {
	if pos > s.Length() {
		return fmt.Errorf("%d > %d: %w", pos, s.Length(), ErrSeekOutOfRange)
	}
	s.pos = pos
	return nil
}

func (s *ByteStream) ReadBytes(dst []byte) (int, error) {
	return readFull(s, dst, func(dst []byte, pos uint32) error {
		copy(dst, s.buf.data[pos:])
		return nil
	})
}

// Bytes returns the current content. The slice is invalidated by writes.
func (s *ByteStream) Bytes() []byte {
	return s.buf.data
}

// Writer returns a writer over the same buffer, positioned at the start. Data written through it
// is visible to s; growth reallocates the shared buffer, so slices returned by Bytes before a
// write keep the old content.
func (s *ByteStream) Writer() *WritableStream {
	return &WritableStream{buf: s.buf}
}

// WritableStream writes into the buffer of a ByteStream, growing it as needed.
type WritableStream struct {
	buf *buffer
	pos uint32
}

var _ io.Writer = &WritableStream{}

func (w *WritableStream) Length() uint32 { return uint32(len(w.buf.data)) }
func (w *WritableStream) Pos() uint32    { return w.pos }

// Seek moves the write cursor to pos, which must not exceed the length.
func (w *WritableStream) Seek(pos uint32) error {
	if pos > w.Length() {
		return fmt.Errorf("%d > %d: %w", pos, w.Length(), ErrSeekOutOfRange)
	}
	w.pos = pos
	return nil
}

// Write implements io.Writer, overwriting existing bytes and appending past the end.
func (w *WritableStream) Write(p []byte) (int, error) {
	end := uint64(w.pos) + uint64(len(p))
	if end > 0xffffffff {
		return 0, errors.New("stream length overflow")
	}
	if end > uint64(len(w.buf.data)) {
		grown := make([]byte, end, max(end, 2*uint64(cap(w.buf.data))))
		copy(grown, w.buf.data)
		w.buf.data = grown
	}
	copy(w.buf.data[w.pos:], p)
	w.pos = uint32(end)
	return len(p), nil
}

// WriteValue writes a fixed size value, or a slice of them, in little-endian order.
func (w *WritableStream) WriteValue(v any) error {
	return binary.Write(w, binary.LittleEndian, v)
}

// WriteString writes s followed by a NUL terminator.
func (w *WritableStream) WriteString(s string) error {
	if _, err := w.Write([]byte(s)); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}
