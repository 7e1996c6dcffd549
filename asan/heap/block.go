// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/core/hash"
)

const (
	// HeaderSize is the size of the block header preceding the body.
	HeaderSize = 16
	// TrailerSize is the size of the block trailer.
	TrailerSize = 16

	HeaderMagic  = 0xca80
	TrailerMagic = 0x7e11

	// maxPadding is the largest padding a header can describe.
	maxPadding = 1<<16 - 1
)

// BlockState is the life cycle state recorded in a block header.
type BlockState uint8

const (
	StateInvalid BlockState = iota
	StateAllocated
	StateQuarantined
	StateFreed
)

func (s BlockState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateQuarantined:
		return "quarantined"
	case StateFreed:
		return "freed"
	}
	return fmt.Sprintf("invalid(%d)", uint8(s))
}

// Header flags.
const (
	// FlagPageHeap marks blocks with their own guard pages. Their trailer precedes the header.
	FlagPageHeap uint8 = 1 << iota
	// FlagHashed marks blocks whose body hash was recorded at free.
	FlagHashed
)

// Header is the on-memory block header.
type Header struct {
	Magic        uint16
	State        BlockState
	Flags        uint8
	BodySize     uint32
	AllocStack   uint32
	LeftPadding  uint16
	RightPadding uint16
}

// Trailer is the on-memory block trailer.
type Trailer struct {
	FreeStack uint32
	AllocTID  uint16
	FreeTID   uint16
	BodyHash  uint32
	Checksum  uint16
	Magic     uint16
}

var (
	// ErrBadHeader is reported when a header magic or state does not match.
	ErrBadHeader = errors.New("block header is corrupt")
	// ErrBadTrailer is reported when a trailer magic does not match.
	ErrBadTrailer = errors.New("block trailer is corrupt")
	// ErrBadChecksum is reported when the metadata checksum does not match.
	ErrBadChecksum = errors.New("block checksum mismatch")
	// ErrBodyModified is reported when a quarantined body changed after free.
	ErrBodyModified = errors.New("freed block was written to")
)

// checksum covers every metadata field except the checksum itself.
func checksum(h *Header, t *Trailer) uint16 {
	return hash.Uint16Words(
		uint32(h.Magic)|uint32(h.State)<<16|uint32(h.Flags)<<24,
		h.BodySize,
		h.AllocStack,
		uint32(h.LeftPadding)|uint32(h.RightPadding)<<16,
		t.FreeStack,
		uint32(t.AllocTID)|uint32(t.FreeTID)<<16,
		t.BodyHash,
		uint32(t.Magic),
	)
}

// seal sets the magics and the checksum.
func seal(h *Header, t *Trailer) {
	h.Magic = HeaderMagic
	t.Magic = TrailerMagic
	t.Checksum = checksum(h, t)
}

// verify checks magics and checksum.
func verify(h *Header, t *Trailer) error {
	switch {
	case h.Magic != HeaderMagic || h.State == StateInvalid || h.State > StateFreed:
		return ErrBadHeader
	case t.Magic != TrailerMagic:
		return ErrBadTrailer
	case t.Checksum != checksum(h, t):
		return ErrBadChecksum
	}
	return nil
}

func encodeHeader(dst []byte, h *Header) {
	if _, err := binary.Encode(dst, binary.LittleEndian, h); err != nil {
		panic(err)
	}
}

func encodeTrailer(dst []byte, t *Trailer) {
	if _, err := binary.Encode(dst, binary.LittleEndian, t); err != nil {
		panic(err)
	}
}

func decodeHeader(src []byte) Header {
	var h Header
	if _, err := binary.Decode(src, binary.LittleEndian, &h); err != nil {
		panic(err)
	}
	return h
}

func decodeTrailer(src []byte) Trailer {
	var t Trailer
	if _, err := binary.Decode(src, binary.LittleEndian, &t); err != nil {
		panic(err)
	}
	return t
}

// Layout places the parts of a block. All fields are addresses or sizes in bytes; a planned
// layout starts at address 0 and is moved with Offset.
type Layout struct {
	// Block and Size cover the whole block, including guard pages for page heap blocks.
	Block uintptr
	Size  uintptr

	Header   uintptr
	Body     uintptr
	BodySize uintptr
	Trailer  uintptr

	PageHeap bool
	// DataStart and DataEnd delimit the accessible pages of a page heap block.
	DataStart uintptr
	DataEnd   uintptr
}

// Offset returns the layout moved by delta.
func (l Layout) Offset(delta uintptr) Layout {
	l.Block += delta
	l.Header += delta
	l.Body += delta
	l.Trailer += delta
	if l.PageHeap {
		l.DataStart += delta
		l.DataEnd += delta
	}
	return l
}

// End returns the first address past the block.
func (l Layout) End() uintptr { return l.Block + l.Size }

// LeftRedzone returns the size of the bytes preceding the body.
func (l Layout) LeftRedzone() uintptr { return l.Body - l.Block }

// RightRedzone returns the size of the bytes following the body.
func (l Layout) RightRedzone() uintptr { return l.End() - (l.Body + l.BodySize) }

func (l Layout) leftPadding() uintptr {
	if l.PageHeap {
		return l.Trailer - l.Block
	}
	return l.Header - l.Block
}

func (l Layout) rightPadding() uintptr {
	if l.PageHeap {
		return l.End() - (l.Body + l.BodySize)
	}
	return l.Trailer - (l.Body + l.BodySize)
}

// Contains reports whether addr lies inside the block.
func (l Layout) Contains(addr uintptr) bool {
	return addr >= l.Block && addr < l.End()
}

// redzones are the clamped redzone sizes of a heap.
type redzones struct {
	min, max uintptr
}

// planLayout plans an arena block for a body of size bytes aligned to align, which must be a
// power of two of at least the shadow granularity. The left redzone holds the header and is at
// least min bytes. The right redzone holds the trailer and is at least size/8 bytes clamped to
// [min, max].
func planLayout(size, align uintptr, rz redzones) (Layout, error) {
	if !core.IsPowerOfTwo(uint64(align)) || align < shadow.Granularity {
		return Layout{}, fmt.Errorf("alignment %d: %w", align, ErrInvalidAlignment)
	}
	left := core.AlignUp(max(rz.min, HeaderSize), align)
	rounded := core.AlignUp(size, shadow.Granularity)
	right := min(max(rounded/8, rz.min), rz.max)
	right = core.AlignUp(max(right, TrailerSize), shadow.Granularity)
	total := core.AlignUp(left+rounded+right, align)
	l := Layout{
		Size:     total,
		Header:   left - HeaderSize,
		Body:     left,
		BodySize: size,
		Trailer:  total - TrailerSize,
	}
	if l.leftPadding() > maxPadding || l.rightPadding() > maxPadding {
		return Layout{}, fmt.Errorf("%d bytes aligned to %d: %w", size, align,
			ErrInvalidAlignment)
	}
	return l, nil
}

// planPageLayout plans a page heap block: a leading guard page, the data pages and a trailing
// guard page. The body ends as close to the trailing guard page as align permits, and the
// trailer and header precede it.
func planPageLayout(size, align, pageSize uintptr) (Layout, error) {
	if !core.IsPowerOfTwo(uint64(align)) || align < shadow.Granularity || align > pageSize {
		return Layout{}, fmt.Errorf("alignment %d: %w", align, ErrInvalidAlignment)
	}
	data := core.AlignUp(size+HeaderSize+TrailerSize+align, pageSize)
	l := Layout{
		Size:      data + 2*pageSize,
		PageHeap:  true,
		DataStart: pageSize,
		DataEnd:   pageSize + data,
		BodySize:  size,
	}
	l.Body = core.AlignDown(l.DataEnd-size, align)
	l.Header = l.Body - HeaderSize
	l.Trailer = l.Header - TrailerSize
	if l.leftPadding() > maxPadding {
		return Layout{}, fmt.Errorf("page size %d: %w", pageSize, ErrInvalidAlignment)
	}
	return l, nil
}
