// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DbiHeader is the fixed 64 byte header of the DBI stream. The substream sizes locate the
// optional debug header, which follows all other substreams.
type DbiHeader struct {
	Signature               int32
	Version                 uint32
	Age                     uint32
	GlobalSymbolStream      uint16
	BuildNumber             uint16
	PublicSymbolStream      uint16
	PdbDllVersion           uint16
	SymbolRecordStream      uint16
	PdbDllRbld              uint16
	ModInfoSize             int32
	SectionContributionSize int32
	SectionMapSize          int32
	SourceInfoSize          int32
	TypeServerMapSize       int32
	MFCTypeServerIndex      uint32
	DebugHeaderSize         int32
	ECSubstreamSize         int32
	Flags                   uint16
	Machine                 uint16
	Padding                 uint32
}

var dbiHeaderSize = binary.Size(DbiHeader{})

// Debug header slots, in on-disk order.
const (
	DebugFPO = iota
	DebugException
	DebugFixup
	DebugOmapToSrc
	DebugOmapFromSrc
	DebugSectionHeader
	DebugTokenRidMap
	DebugXdata
	DebugPdata
	DebugNewFPO
	DebugSectionHeaderOrig
	numDebugStreams
)

// NoStream marks an unused debug header slot.
const NoStream = 0xffff

// DebugHeader lists the streams holding optional debug data.
type DebugHeader [numDebugStreams]uint16

// ErrNoDebugHeader is returned for DBI streams without an optional debug header.
var ErrNoDebugHeader = errors.New("DBI stream has no debug header")

// ReadDbiHeader reads the header at the start of s.
func ReadDbiHeader(s Stream) (*DbiHeader, error) {
	if err := s.Seek(0); err != nil {
		return nil, err
	}
	h, err := ReadValue[DbiHeader](s)
	if err != nil {
		return nil, parseError(ErrKindStream, 0, fmt.Errorf("DBI header: %w", err))
	}
	return &h, nil
}

// DebugHeaderOffset returns the position of the debug header within the DBI stream.
func (h *DbiHeader) DebugHeaderOffset() (uint32, error) {
	off := int64(dbiHeaderSize)
	for _, size := range []int32{h.ModInfoSize, h.SectionContributionSize, h.SectionMapSize,
		h.SourceInfoSize, h.TypeServerMapSize, h.ECSubstreamSize} {
		if size < 0 {
			return 0, parseError(ErrKindStream, off, fmt.Errorf("negative substream size %d",
				size))
		}
		off += int64(size)
	}
	if off > 0xffffffff {
		return 0, parseError(ErrKindStream, off, ErrShortStream)
	}
	return uint32(off), nil
}

// ReadDebugHeader reads the debug header of the DBI stream s.
func ReadDebugHeader(s Stream) (*DbiHeader, DebugHeader, error) {
	var dh DebugHeader
	h, err := ReadDbiHeader(s)
	if err != nil {
		return nil, dh, err
	}
	if h.DebugHeaderSize < int32(binary.Size(dh)) {
		return h, dh, ErrNoDebugHeader
	}
	off, err := h.DebugHeaderOffset()
	if err != nil {
		return h, dh, err
	}
	if err := s.Seek(off); err != nil {
		return h, dh, parseError(ErrKindStream, int64(off), err)
	}
	if dh, err = ReadValue[DebugHeader](s); err != nil {
		return h, dh, parseError(ErrKindStream, int64(off), err)
	}
	return h, dh, nil
}

// OmapEntry maps an address of one image to an address of another. Tables are sorted by RVA and
// an entry applies up to the RVA of the next one.
type OmapEntry struct {
	RVA   uint32
	RVATo uint32
}

// ReadOmap reads a stream of OMAP entries.
func ReadOmap(s Stream) ([]OmapEntry, error) {
	if s.Length()%8 != 0 {
		return nil, parseError(ErrKindStream, 0,
			fmt.Errorf("OMAP stream of %d bytes", s.Length()))
	}
	if err := s.Seek(0); err != nil {
		return nil, err
	}
	return ReadValues[OmapEntry](s, int(s.Length()/8))
}

func omapStream(entries []OmapEntry) (*ByteStream, error) {
	bs := NewByteStream(nil)
	if err := bs.Writer().WriteValue(entries); err != nil {
		return nil, err
	}
	return bs, nil
}

// SetOmapStreams stores the OMAP tables of a relinked image in f: to maps new addresses to
// original ones, from the reverse. Existing OMAP streams are replaced in place, otherwise new
// streams are appended, and the debug header of the DBI stream is updated.
func SetOmapStreams(f *File, to, from []OmapEntry) error {
	s := f.Stream(DBIStream)
	if s == nil {
		return fmt.Errorf("stream %d: %w", DBIStream, ErrShortStream)
	}
	h, dh, err := ReadDebugHeader(s)
	if err != nil {
		return err
	}
	off, err := h.DebugHeaderOffset()
	if err != nil {
		return err
	}

	for _, t := range []struct {
		slot    int
		entries []OmapEntry
	}{
		{DebugOmapToSrc, to},
		{DebugOmapFromSrc, from},
	} {
		bs, err := omapStream(t.entries)
		if err != nil {
			return err
		}
		if idx := dh[t.slot]; idx != NoStream && int(idx) < f.StreamCount() {
			if err := f.ReplaceStream(int(idx), bs); err != nil {
				return err
			}
			continue
		}
		idx := f.AppendStream(bs)
		if idx >= NoStream {
			return fmt.Errorf("stream index %d does not fit the debug header", idx)
		}
		dh[t.slot] = uint16(idx)
	}

	dbi, err := CopyStream(s)
	if err != nil {
		return err
	}
	w := dbi.Writer()
	if err := w.Seek(off); err != nil {
		return err
	}
	if err := w.WriteValue(dh); err != nil {
		return err
	}
	log.Debugf("OMAP streams at %d and %d (%d and %d entries)", dh[DebugOmapToSrc],
		dh[DebugOmapFromSrc], len(to), len(from))
	return f.ReplaceStream(DBIStream, dbi)
}
