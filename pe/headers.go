// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotPE32 is returned for images that are not 32-bit x86 PE files.
	ErrNotPE32 = errors.New("not a PE32 x86 image")
	// ErrBadHeader is returned when the header block is too small or malformed.
	ErrBadHeader = errors.New("malformed PE header")
)

// headers is a view of the DOS, file and optional headers held in the data of a header block.
// The section table is not part of it: it is regenerated on every layout.
type headers struct {
	data []byte
	nt   int
}

func parseHeaders(data []byte) (*headers, error) {
	if len(data) < dosHeaderSize || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("missing DOS signature: %w", ErrBadHeader)
	}
	nt := int(binary.LittleEndian.Uint32(data[0x3c:]))
	if nt < dosHeaderSize || nt+4+fileHeaderSize+optionalHeaderSize > len(data) {
		return nil, fmt.Errorf("NT headers at 0x%x out of range: %w", nt, ErrBadHeader)
	}
	if string(data[nt:nt+4]) != "PE\x00\x00" {
		return nil, fmt.Errorf("missing PE signature: %w", ErrBadHeader)
	}
	h := &headers{data: data, nt: nt}
	if h.fileU16(fhMachine) != MachineI386 || h.optU16(ohMagic) != OptionalMagicPE32 {
		return nil, ErrNotPE32
	}
	if h.fileU16(fhSizeOfOptionalHeader) != optionalHeaderSize {
		return nil, fmt.Errorf("optional header size %d: %w", h.fileU16(fhSizeOfOptionalHeader),
			ErrBadHeader)
	}
	return h, nil
}

func (h *headers) fileHeader() int { return h.nt + 4 }
func (h *headers) optHeader() int  { return h.nt + 4 + fileHeaderSize }

// end returns the offset just past the optional header, where the section table starts.
func (h *headers) end() int { return h.optHeader() + optionalHeaderSize }

func (h *headers) fileU16(field int) uint16 {
	return binary.LittleEndian.Uint16(h.data[h.fileHeader()+field:])
}

func (h *headers) fileU32(field int) uint32 {
	return binary.LittleEndian.Uint32(h.data[h.fileHeader()+field:])
}

func (h *headers) setFileU16(field int, v uint16) {
	binary.LittleEndian.PutUint16(h.data[h.fileHeader()+field:], v)
}

func (h *headers) optU16(field int) uint16 {
	return binary.LittleEndian.Uint16(h.data[h.optHeader()+field:])
}

func (h *headers) opt(field int) uint32 {
	return binary.LittleEndian.Uint32(h.data[h.optHeader()+field:])
}

func (h *headers) setOpt(field int, v uint32) {
	binary.LittleEndian.PutUint32(h.data[h.optHeader()+field:], v)
}

// directoryOffset returns the header offset of the VirtualAddress field of directory i. Its Size
// field follows at +4.
func (h *headers) directoryOffset(i int) int {
	return h.optHeader() + ohDataDirectory + 8*i
}

func (h *headers) directory(i int) (addr, size uint32) {
	off := h.directoryOffset(i)
	return binary.LittleEndian.Uint32(h.data[off:]), binary.LittleEndian.Uint32(h.data[off+4:])
}

func (h *headers) setDirectory(i int, addr, size uint32) {
	off := h.directoryOffset(i)
	binary.LittleEndian.PutUint32(h.data[off:], addr)
	binary.LittleEndian.PutUint32(h.data[off+4:], size)
}

// checksumOffset returns the file offset of the optional header CheckSum field.
func (h *headers) checksumOffset() int {
	return h.optHeader() + ohCheckSum
}
