// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Binject/debug/pe"
	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/core"
)

// HeaderBlockName is the name of the block holding the DOS, file and optional headers.
const HeaderBlockName = "header"

// Image is a decomposed PE32 image.
type Image struct {
	Graph  *blockgraph.BlockGraph
	Header *blockgraph.Block
	// Layout describes where the blocks were found in the input image.
	Layout *ImageLayout
}

// DecomposeFile decomposes the PE32 image at path.
func DecomposeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decompose(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decompose %s: %w", path, err)
	}
	return img, nil
}

// checkPE32 reads the machine and the optional header magic straight from the image, so images
// of another flavour are rejected before the parser interprets their headers.
func checkPE32(r io.ReaderAt) error {
	var dos [dosHeaderSize]byte
	if _, err := r.ReadAt(dos[:], 0); err != nil {
		return fmt.Errorf("failed to read DOS header: %w", ErrBadHeader)
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return fmt.Errorf("missing DOS signature: %w", ErrBadHeader)
	}
	var nt [4 + fileHeaderSize + 2]byte
	if _, err := r.ReadAt(nt[:], int64(binary.LittleEndian.Uint32(dos[0x3c:]))); err != nil {
		return fmt.Errorf("failed to read NT headers: %w", ErrBadHeader)
	}
	if string(nt[:4]) != "PE\x00\x00" {
		return fmt.Errorf("missing PE signature: %w", ErrBadHeader)
	}
	machine := binary.LittleEndian.Uint16(nt[4:])
	magic := binary.LittleEndian.Uint16(nt[4+fileHeaderSize:])
	if machine != MachineI386 || magic != OptionalMagicPE32 {
		return fmt.Errorf("machine 0x%x, optional header magic 0x%x: %w", machine, magic,
			ErrNotPE32)
	}
	return nil
}

// parseFile runs the PE parser, turning its panics on inconsistent headers into errors.
func parseFile(r io.ReaderAt) (f *pe.File, err error) {
	defer func() {
		if p := recover(); p != nil {
			f, err = nil, fmt.Errorf("%v: %w", p, ErrBadHeader)
		}
	}()
	return pe.NewFile(r)
}

// Decompose turns a PE32 image into a block graph. The headers become one block outside any
// section and each section becomes one block. Base relocations become absolute references, and
// the entry point, the data directories and the debug directory entries become references held
// by the header block or the debug directory.
func Decompose(r io.ReaderAt) (*Image, error) {
	if err := checkPE32(r); err != nil {
		return nil, err
	}
	f, err := parseFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE file: %w", err)
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok || f.FileHeader.Machine != MachineI386 {
		return nil, ErrNotPE32
	}

	var lfanew [4]byte
	if _, err = r.ReadAt(lfanew[:], 0x3c); err != nil {
		return nil, fmt.Errorf("failed to read DOS header: %w", err)
	}
	headerSize := binary.LittleEndian.Uint32(lfanew[:]) + 4 + fileHeaderSize +
		uint32(f.FileHeader.SizeOfOptionalHeader)
	headerData := make([]byte, headerSize)
	if _, err = r.ReadAt(headerData, 0); err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	hdrs, err := parseHeaders(headerData)
	if err != nil {
		return nil, err
	}

	g := blockgraph.New()
	space := blockgraph.NewAddressSpace(g)
	header, err := space.AddBlock(blockgraph.DataBlock, 0, headerSize, HeaderBlockName)
	if err != nil {
		return nil, err
	}
	header.SetData(headerData)
	header.SetAttribute(blockgraph.PEParsed)
	header.AddSourceRange(0, headerSize, 0)
	// The header block data is what the layout code patches, so keep hdrs on it.
	hdrs.data = header.MutableData()

	layout := &ImageLayout{
		Graph:            g,
		Header:           header,
		Blocks:           space,
		ImageBase:        oh.ImageBase,
		SectionAlignment: oh.SectionAlignment,
		FileAlignment:    oh.FileAlignment,
		HeadersSize:      oh.SizeOfHeaders,
	}

	for _, sec := range f.Sections {
		s := g.AddSection(sec.Name, sec.Characteristics)
		size := sec.VirtualSize
		if size == 0 {
			size = sec.Size
		}
		layout.Sections = append(layout.Sections, SectionInfo{
			Name:            sec.Name,
			Addr:            core.RelativeAddress(sec.VirtualAddress),
			Size:            size,
			DataSize:        sec.Size,
			FileOffset:      core.FileOffsetAddress(sec.Offset),
			Characteristics: sec.Characteristics,
		})
		if size == 0 {
			continue
		}

		typ := blockgraph.DataBlock
		if IsCodeSection(sec.Name, sec.Characteristics) {
			typ = blockgraph.CodeBlock
		}
		b, err := space.AddBlock(typ, core.RelativeAddress(sec.VirtualAddress), size, sec.Name)
		if err != nil {
			return nil, err
		}
		b.SetSection(s.ID())
		b.SetAttribute(blockgraph.SectionContribution)
		b.AddSourceRange(0, size, core.RelativeAddress(sec.VirtualAddress))
		if sec.Size > 0 && sec.Characteristics&ScnCntUninitializedData == 0 {
			data, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("failed to read section %s: %w", sec.Name, err)
			}
			b.SetData(data[:min(uint32(len(data)), size)])
		}
		log.Debugf("Decomposed section %s at 0x%08X (%d bytes)", sec.Name, sec.VirtualAddress,
			size)
	}

	d := &decomposer{hdrs: hdrs, header: header, space: space, imageBase: oh.ImageBase}
	if err := d.parseRelocations(); err != nil {
		return nil, err
	}
	if err := d.referenceHeaders(); err != nil {
		return nil, err
	}
	if err := d.referenceDebugDirectory(); err != nil {
		return nil, err
	}

	return &Image{Graph: g, Header: header, Layout: layout}, nil
}

type decomposer struct {
	hdrs      *headers
	header    *blockgraph.Block
	space     *blockgraph.AddressSpace
	imageBase uint32
}

// locate returns the block holding addr and the offset of addr within it. Addresses just past
// the end of a block resolve to that block.
func (d *decomposer) locate(addr core.RelativeAddress) (*blockgraph.Block, blockgraph.Offset,
	bool) {
	if b := d.space.ContainingBlock(addr, 1); b != nil {
		start, _ := d.space.AddressOf(b)
		return b, blockgraph.Offset(addr - start), true
	}
	if addr > 0 {
		if b := d.space.ContainingBlock(addr-1, 1); b != nil {
			start, _ := d.space.AddressOf(b)
			return b, blockgraph.Offset(addr - start), true
		}
	}
	return nil, 0, false
}

// bytesAt returns n bytes of initialised block data at addr.
func (d *decomposer) bytesAt(addr core.RelativeAddress, n uint32) ([]byte, bool) {
	b := d.space.ContainingBlock(addr, n)
	if b == nil {
		return nil, false
	}
	start, _ := d.space.AddressOf(b)
	off := uint32(addr - start)
	if off+n > b.DataSize() {
		return nil, false
	}
	return b.Data()[off : off+n], true
}

func (d *decomposer) parseRelocations() error {
	addr, size := d.hdrs.directory(DirectoryBaseReloc)
	if addr == 0 || size == 0 {
		return nil
	}
	table, ok := d.bytesAt(core.RelativeAddress(addr), size)
	if !ok {
		return fmt.Errorf("base relocation table at 0x%08X is not mapped", addr)
	}
	relocs, err := ParseRelocations(table)
	if err != nil {
		return err
	}
	for _, rva := range relocs {
		src := d.space.ContainingBlock(rva, 4)
		if src == nil {
			return fmt.Errorf("relocation at %v is not within a block", rva)
		}
		srcStart, _ := d.space.AddressOf(src)
		srcOff := uint32(rva - srcStart)
		var value uint32
		if srcOff+4 <= src.DataSize() {
			value = binary.LittleEndian.Uint32(src.Data()[srcOff:])
		}
		target := core.RelativeAddress(value - d.imageBase)
		dst, dstOff, ok := d.locate(target)
		if !ok {
			return fmt.Errorf("relocation at %v points to unmapped %v", rva, target)
		}
		ref := blockgraph.NewReference(blockgraph.AbsoluteRef, 4, dst, dstOff)
		if _, err := src.SetReference(blockgraph.Offset(srcOff), ref); err != nil {
			return err
		}
	}
	log.Debugf("Decomposed %d base relocations", len(relocs))
	return nil
}

// referenceHeaders turns the entry point and the data directory addresses into references held
// by the header block, so that they follow their targets through a relink.
func (d *decomposer) referenceHeaders() error {
	addRef := func(field int, addr uint32) error {
		dst, off, ok := d.locate(core.RelativeAddress(addr))
		if !ok {
			return fmt.Errorf("header field at 0x%x points to unmapped 0x%08X", field, addr)
		}
		_, err := d.header.SetReference(blockgraph.Offset(field),
			blockgraph.NewReference(blockgraph.RelativeRef, 4, dst, off))
		return err
	}

	if ep := d.hdrs.opt(ohAddressOfEntryPoint); ep != 0 {
		if err := addRef(d.hdrs.optHeader()+ohAddressOfEntryPoint, ep); err != nil {
			return err
		}
	}
	for i := range numDirectories {
		addr, size := d.hdrs.directory(i)
		if addr == 0 {
			continue
		}
		if i == DirectorySecurity {
			// Certificates are addressed by file offset and do not survive a relink.
			log.Infof("Dropping the security directory (%d bytes)", size)
			d.hdrs.setDirectory(i, 0, 0)
			continue
		}
		if err := addRef(d.hdrs.directoryOffset(i), addr); err != nil {
			return err
		}
	}
	return nil
}

// referenceDebugDirectory adds references for the address and file offset of each debug entry.
func (d *decomposer) referenceDebugDirectory() error {
	addr, size := d.hdrs.directory(DirectoryDebug)
	if addr == 0 {
		return nil
	}
	dir, off, ok := d.locate(core.RelativeAddress(addr))
	if !ok {
		return nil
	}
	for i := uint32(0); i+debugEntrySize <= size; i += debugEntrySize {
		entry := off + blockgraph.Offset(i)
		if uint32(entry)+debugEntrySize > dir.DataSize() {
			break
		}
		data := dir.Data()[entry:]
		rawSize := binary.LittleEndian.Uint32(data[16:])
		rawAddr := binary.LittleEndian.Uint32(data[20:])
		if rawAddr == 0 || rawSize == 0 {
			continue
		}
		dst, dstOff, ok := d.locate(core.RelativeAddress(rawAddr))
		if !ok {
			continue
		}
		for _, ref := range []struct {
			typ blockgraph.ReferenceType
			at  blockgraph.Offset
		}{
			{blockgraph.RelativeRef, entry + 20},
			{blockgraph.FileOffsetRef, entry + 24},
		} {
			_, err := dir.SetReference(ref.at, blockgraph.NewReference(ref.typ, 4, dst, dstOff))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// IsCodeSection reports whether a section holds code.
func IsCodeSection(name string, characteristics uint32) bool {
	return characteristics&(ScnCntCode|ScnMemExecute) != 0 || strings.HasPrefix(name, ".text")
}
