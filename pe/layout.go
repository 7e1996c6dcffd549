// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/blockgraph/ordered"
	"github.com/syzygy-go/syzygy/core"
)

// SectionInfo describes a section of a laid out image.
type SectionInfo struct {
	Name string
	Addr core.RelativeAddress
	// Size is the virtual size of the section.
	Size uint32
	// DataSize is the size of the section in the file, a multiple of the file alignment.
	DataSize        uint32
	FileOffset      core.FileOffsetAddress
	Characteristics uint32
}

// ImageLayout assigns addresses to the blocks of a graph.
type ImageLayout struct {
	Graph  *blockgraph.BlockGraph
	Header *blockgraph.Block
	// Blocks maps the image to blocks. The header block lives at address 0.
	Blocks   *blockgraph.AddressSpace
	Sections []SectionInfo

	ImageBase        uint32
	SectionAlignment uint32
	FileAlignment    uint32
	// HeadersSize is the file aligned size of the headers including the section table.
	HeadersSize uint32
}

// SizeOfImage returns the section aligned end of the last section.
func (l *ImageLayout) SizeOfImage() uint32 {
	end := core.AlignUp(l.HeadersSize, l.SectionAlignment)
	if n := len(l.Sections); n > 0 {
		last := l.Sections[n-1]
		end = core.AlignUp(uint32(last.Addr)+last.Size, l.SectionAlignment)
	}
	return end
}

// FileSize returns the size of the image file.
func (l *ImageLayout) FileSize() uint32 {
	size := l.HeadersSize
	for _, s := range l.Sections {
		if s.DataSize > 0 {
			size = max(size, uint32(s.FileOffset)+s.DataSize)
		}
	}
	return size
}

// SectionIndex returns the index of the section containing addr.
func (l *ImageLayout) SectionIndex(addr core.RelativeAddress) (int, bool) {
	for i, s := range l.Sections {
		if addr >= s.Addr && uint32(addr-s.Addr) < max(s.Size, 1) {
			return i, true
		}
	}
	return 0, false
}

// FileOffset translates addr to its position in the image file. Addresses in the headers map to
// themselves; addresses past the initialised data of their section have no file position.
func (l *ImageLayout) FileOffset(addr core.RelativeAddress) (core.FileOffsetAddress, bool) {
	if uint32(addr) < l.HeadersSize {
		return core.FileOffsetAddress(addr), true
	}
	i, ok := l.SectionIndex(addr)
	if !ok {
		return 0, false
	}
	s := l.Sections[i]
	off := uint32(addr - s.Addr)
	if off >= s.DataSize {
		return 0, false
	}
	return s.FileOffset + core.FileOffsetAddress(off), true
}

// ErrRelocsUnstable is returned when the relocation table keeps changing size between layouts.
var ErrRelocsUnstable = errors.New("relocation table size does not converge")

// maxLayoutPasses bounds the layout iterations needed for the relocation table to settle.
const maxLayoutPasses = 4

// LayoutBuilder assigns addresses to the blocks of an ordered block graph and finalises the
// image headers held by the header block.
type LayoutBuilder struct {
	header *blockgraph.Block
}

// NewLayoutBuilder creates a builder using header as the image headers.
func NewLayoutBuilder(header *blockgraph.Block) *LayoutBuilder {
	return &LayoutBuilder{header: header}
}

// LayoutImage places the header block at address 0 and then, section by section in the order of
// obg, every block at the next address satisfying its alignment. If the graph has a .reloc
// section its content is regenerated from the absolute references of the final layout.
func (lb *LayoutBuilder) LayoutImage(obg *ordered.BlockGraph) (*ImageLayout, error) {
	var reloc *blockgraph.Block
	if s := obg.Graph().FindSection(RelocSectionName); s != nil {
		if blocks := obg.BlocksInSection(s.ID()); len(blocks) > 0 {
			reloc = blocks[0]
			reloc.RemoveAllReferences()
		}
	}

	for range maxLayoutPasses {
		layout, err := lb.layoutOnce(obg)
		if err != nil {
			return nil, err
		}
		if reloc == nil {
			return layout, lb.finalizeHeaders(layout, nil)
		}
		table := BuildRelocations(absoluteReferenceAddresses(layout))
		if uint32(len(table)) == reloc.Size() {
			reloc.SetData(table)
			return layout, lb.finalizeHeaders(layout, reloc)
		}
		log.Debugf("Relocation table resized from %d to %d bytes", reloc.Size(), len(table))
		reloc.SetSize(uint32(len(table)))
		reloc.SetData(table)
	}
	return nil, ErrRelocsUnstable
}

func (lb *LayoutBuilder) layoutOnce(obg *ordered.BlockGraph) (*ImageLayout, error) {
	hdrs, err := parseHeaders(lb.header.MutableData())
	if err != nil {
		return nil, err
	}

	layout := &ImageLayout{
		Graph:            obg.Graph(),
		Header:           lb.header,
		Blocks:           blockgraph.NewAddressSpace(obg.Graph()),
		ImageBase:        hdrs.opt(ohImageBase),
		SectionAlignment: hdrs.opt(ohSectionAlignment),
		FileAlignment:    hdrs.opt(ohFileAlignment),
	}
	if !core.IsPowerOfTwo(uint64(layout.SectionAlignment)) ||
		!core.IsPowerOfTwo(uint64(layout.FileAlignment)) {
		return nil, fmt.Errorf("invalid alignments 0x%x/0x%x: %w", layout.SectionAlignment,
			layout.FileAlignment, ErrBadHeader)
	}
	if !layout.Blocks.InsertBlock(0, lb.header) {
		return nil, errors.New("failed to place the header block")
	}

	var sections []*blockgraph.Section
	for _, s := range obg.Sections() {
		if len(obg.BlocksInSection(s.ID())) == 0 {
			log.Debugf("Skipping empty section %s", s.Name())
			continue
		}
		sections = append(sections, s)
	}
	headersEnd := lb.header.Size() + uint32(len(sections))*sectionHeaderSize
	layout.HeadersSize = core.AlignUp(headersEnd, layout.FileAlignment)

	cursor := core.AlignUp(layout.HeadersSize, layout.SectionAlignment)
	fileCursor := layout.HeadersSize
	for _, s := range sections {
		start := core.AlignUp(cursor, layout.SectionAlignment)
		cursor = start
		initEnd := start
		for _, b := range obg.BlocksInSection(s.ID()) {
			addr := core.AlignUp(cursor, max(b.Alignment(), 1))
			if !layout.Blocks.InsertBlock(core.RelativeAddress(addr), b) {
				return nil, fmt.Errorf("failed to place %v at 0x%08X", b, addr)
			}
			// Empty blocks still occupy one address so that they can be looked up.
			cursor = addr + max(b.Size(), 1)
			if end := initializedEnd(b); end > 0 {
				initEnd = max(initEnd, addr+end)
			}
		}

		info := SectionInfo{
			Name:            s.Name(),
			Addr:            core.RelativeAddress(start),
			Size:            cursor - start,
			Characteristics: s.Characteristics(),
		}
		if s.Characteristics()&ScnCntUninitializedData == 0 {
			info.DataSize = core.AlignUp(initEnd-start, layout.FileAlignment)
		}
		if info.DataSize > 0 {
			info.FileOffset = core.FileOffsetAddress(fileCursor)
			fileCursor += info.DataSize
		}
		layout.Sections = append(layout.Sections, info)
		log.Debugf("Laid out section %s at 0x%08X (%d bytes, %d in file)", info.Name, start,
			info.Size, info.DataSize)
	}
	return layout, nil
}

// initializedEnd returns the end of the bytes of b that must be present in the file: the data
// and every reference, since references are patched into the file.
func initializedEnd(b *blockgraph.Block) uint32 {
	end := b.DataSize()
	for _, r := range b.SortedReferences() {
		end = max(end, uint32(r.Offset)+uint32(r.Reference.Size))
	}
	return end
}

// finalizeHeaders writes the layout dependent fields of the optional and file headers.
func (lb *LayoutBuilder) finalizeHeaders(layout *ImageLayout, reloc *blockgraph.Block) error {
	hdrs, err := parseHeaders(lb.header.MutableData())
	if err != nil {
		return err
	}

	var sizeOfCode, sizeOfInit, sizeOfUninit uint32
	var baseOfCode, baseOfData uint32
	for _, s := range layout.Sections {
		aligned := core.AlignUp(s.Size, layout.FileAlignment)
		switch {
		case s.Characteristics&ScnCntCode != 0:
			sizeOfCode += aligned
			if baseOfCode == 0 {
				baseOfCode = uint32(s.Addr)
			}
		case s.Characteristics&ScnCntUninitializedData != 0:
			sizeOfUninit += aligned
		case s.Characteristics&ScnCntInitializedData != 0:
			sizeOfInit += aligned
			if baseOfData == 0 {
				baseOfData = uint32(s.Addr)
			}
		}
	}

	hdrs.setFileU16(fhNumberOfSections, uint16(len(layout.Sections)))
	hdrs.setOpt(ohSizeOfCode, sizeOfCode)
	hdrs.setOpt(ohSizeOfInitializedData, sizeOfInit)
	hdrs.setOpt(ohSizeOfUninitializedData, sizeOfUninit)
	hdrs.setOpt(ohBaseOfCode, baseOfCode)
	hdrs.setOpt(ohBaseOfData, baseOfData)
	hdrs.setOpt(ohSizeOfImage, layout.SizeOfImage())
	hdrs.setOpt(ohSizeOfHeaders, layout.HeadersSize)
	hdrs.setOpt(ohCheckSum, 0)

	if reloc != nil {
		_, err := lb.header.SetReference(blockgraph.Offset(hdrs.directoryOffset(DirectoryBaseReloc)),
			blockgraph.NewReference(blockgraph.RelativeRef, 4, reloc, 0))
		if err != nil {
			return err
		}
		addr, _ := layout.Blocks.AddressOf(reloc)
		hdrs.setDirectory(DirectoryBaseReloc, uint32(addr), reloc.Size())
	}
	return nil
}
