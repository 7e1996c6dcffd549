// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tpi walks the type records of the TPI stream of a PDB.
package tpi // import "github.com/syzygy-go/syzygy/pdb/tpi"

import (
	"errors"
	"fmt"
	"io"

	"github.com/syzygy-go/syzygy/pdb"
)

// Header is the 56 byte header of the TPI stream.
type Header struct {
	Version                 uint32
	HeaderSize              uint32
	TypeMin                 uint32
	TypeMax                 uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// HeaderSize is the size of Header on disk.
const HeaderSize = 56

// FirstTypeID is the first id of a user defined type. Smaller ids denote built-in types.
const FirstTypeID = 0x1000

var (
	// ErrTruncated is returned when the records end before TypeMax is reached.
	ErrTruncated = errors.New("type records end early")
	// ErrBadRecord is returned for records that do not fit the stream.
	ErrBadRecord = errors.New("malformed type record")
	// ErrUnknownType is returned when seeking an id outside [TypeMin, TypeMax).
	ErrUnknownType = errors.New("type id out of range")
	// ErrNotInitialized is returned when the enumerator is used before Init.
	ErrNotInitialized = errors.New("enumerator not initialized")
)

type state uint8

const (
	stateUninit state = iota
	statePositioned
	stateAtEnd
)

// Enumerator walks the records of a TPI stream. Record i has type id TypeMin+i and consists of a
// 16-bit length, a 16-bit kind and length-2 payload bytes.
type Enumerator struct {
	stream pdb.Stream
	header Header
	state  state

	dataStart uint32
	dataEnd   uint32
	// cursor is the position of the next record.
	cursor uint32
	nextID uint32

	// current record, valid if loaded
	loaded bool
	start  uint32
	len    uint32
	kind   LeafKind
	id     uint32

	// starts holds the position of every visited record, indexed by id - TypeMin. Ids are visited
	// in order, so its length is one past the largest visited id.
	starts []uint32
}

// NewEnumerator creates an enumerator over s. Init must be called before anything else.
func NewEnumerator(s pdb.Stream) *Enumerator {
	return &Enumerator{stream: s}
}

// Init reads the header and positions the enumerator before the first record.
func (e *Enumerator) Init() error {
	if err := e.stream.Seek(0); err != nil {
		return err
	}
	h, err := pdb.ReadValue[Header](e.stream)
	if err != nil {
		return &pdb.ParseError{Kind: pdb.ErrKindStream, Offset: 0, Err: err}
	}
	if h.HeaderSize < HeaderSize || h.TypeMax < h.TypeMin {
		return &pdb.ParseError{Kind: pdb.ErrKindStream, Offset: 4,
			Err: fmt.Errorf("header size %d, types [0x%x, 0x%x): %w", h.HeaderSize, h.TypeMin,
				h.TypeMax, ErrBadRecord)}
	}
	end := uint64(h.HeaderSize) + uint64(h.TypeRecordBytes)
	if end > uint64(e.stream.Length()) {
		return &pdb.ParseError{Kind: pdb.ErrKindStream, Offset: int64(h.HeaderSize),
			Err: fmt.Errorf("%d bytes of records: %w", h.TypeRecordBytes, pdb.ErrShortStream)}
	}
	e.header = h
	e.dataStart = h.HeaderSize
	e.dataEnd = uint32(end)
	e.starts = e.starts[:0]
	e.state = statePositioned
	e.rewind(e.dataStart, h.TypeMin)
	return nil
}

func (e *Enumerator) rewind(pos, id uint32) {
	e.cursor = pos
	e.nextID = id
	e.loaded = false
	e.start, e.len, e.kind, e.id = 0, 0, 0, 0
}

// Header returns the stream header read by Init.
func (e *Enumerator) Header() Header {
	return e.header
}

// Next advances to the following record. At the end of the records it returns io.EOF, or
// ErrTruncated if fewer than TypeMax-TypeMin records were present.
func (e *Enumerator) Next() error {
	switch e.state {
	case stateUninit:
		return ErrNotInitialized
	case stateAtEnd:
		return io.EOF
	}
	if e.cursor >= e.dataEnd {
		e.state = stateAtEnd
		if e.nextID != e.header.TypeMax {
			return &pdb.ParseError{Kind: pdb.ErrKindStream, Offset: int64(e.cursor),
				Err: fmt.Errorf("reached id 0x%x of 0x%x: %w", e.nextID, e.header.TypeMax,
					ErrTruncated)}
		}
		return io.EOF
	}
	if e.nextID >= e.header.TypeMax {
		return e.badRecord(fmt.Errorf("record past type 0x%x", e.header.TypeMax))
	}

	if err := e.stream.Seek(e.cursor); err != nil {
		return err
	}
	length, err := pdb.ReadValue[uint16](e.stream)
	if err != nil {
		return e.badRecord(err)
	}
	kind, err := pdb.ReadValue[uint16](e.stream)
	if err != nil {
		return e.badRecord(err)
	}
	if length < 2 {
		return e.badRecord(fmt.Errorf("length %d", length))
	}
	start := e.cursor + 4
	size := uint32(length) - 2
	if uint64(start)+uint64(size) > uint64(e.dataEnd) {
		return e.badRecord(fmt.Errorf("length %d past end of records", length))
	}

	if idx := e.nextID - e.header.TypeMin; int(idx) == len(e.starts) {
		e.starts = append(e.starts, e.cursor)
	}
	e.loaded = true
	e.start, e.len, e.kind, e.id = start, size, LeafKind(kind), e.nextID
	e.cursor = start + size
	e.nextID++
	return nil
}

func (e *Enumerator) badRecord(err error) error {
	return &pdb.ParseError{Kind: pdb.ErrKindStream, Offset: int64(e.cursor),
		Err: fmt.Errorf("%w: %w", ErrBadRecord, err)}
}

// SeekRecord makes id the current record. Ids already visited are reached directly; otherwise
// the walk resumes from the largest visited id.
func (e *Enumerator) SeekRecord(id uint32) error {
	if e.state == stateUninit {
		return ErrNotInitialized
	}
	if id < e.header.TypeMin || id >= e.header.TypeMax {
		return fmt.Errorf("0x%x not in [0x%x, 0x%x): %w", id, e.header.TypeMin, e.header.TypeMax,
			ErrUnknownType)
	}
	if e.loaded && e.id == id {
		return nil
	}

	idx := id - e.header.TypeMin
	if int(idx) < len(e.starts) {
		e.state = statePositioned
		e.rewind(e.starts[idx], id)
		return e.Next()
	}
	if n := len(e.starts); n > 0 {
		e.state = statePositioned
		e.rewind(e.starts[n-1], e.header.TypeMin+uint32(n-1))
	}
	for {
		if err := e.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("0x%x: %w", id, ErrTruncated)
			}
			return err
		}
		if e.id == id {
			return nil
		}
	}
}

// Reset positions the enumerator before the first record again.
func (e *Enumerator) Reset() error {
	if e.state == stateUninit {
		return ErrNotInitialized
	}
	e.state = statePositioned
	e.rewind(e.dataStart, e.header.TypeMin)
	return nil
}

// AtEnd reports whether all records have been consumed.
func (e *Enumerator) AtEnd() bool {
	return e.state == stateAtEnd
}

// Start returns the position of the payload of the current record.
func (e *Enumerator) Start() uint32 { return e.start }

// Len returns the payload length of the current record.
func (e *Enumerator) Len() uint32 { return e.len }

// Kind returns the leaf kind of the current record.
func (e *Enumerator) Kind() LeafKind { return e.kind }

// ID returns the type id of the current record.
func (e *Enumerator) ID() uint32 { return e.id }

// Visited returns the number of distinct records seen so far.
func (e *Enumerator) Visited() int { return len(e.starts) }

// Payload reads the payload of the current record.
func (e *Enumerator) Payload() ([]byte, error) {
	if err := e.stream.Seek(e.start); err != nil {
		return nil, err
	}
	buf := make([]byte, e.len)
	if _, err := e.stream.ReadBytes(buf); err != nil && e.len > 0 {
		return nil, err
	}
	return buf, nil
}
