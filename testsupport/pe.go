// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/syzygy-go/syzygy/testsupport"

import (
	"encoding/binary"
	"slices"
)

// PESection describes one section of a synthetic PE32 image.
type PESection struct {
	Name            string
	Characteristics uint32
	// VirtualSize defaults to the data length when zero.
	VirtualSize uint32
	Data        []byte
}

// PEImage describes a synthetic PE32 image.
type PEImage struct {
	ImageBase  uint32
	EntryPoint uint32
	Sections   []PESection
	// Relocs lists the addresses of HIGHLOW fixups. When present, a .reloc section holding them
	// is appended after Sections.
	Relocs []uint32
}

const (
	peSectionAlignment = 0x1000
	peFileAlignment    = 0x200
	peNTOffset         = 0x40
)

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// SectionAddress returns the address BuildPE32 assigns to section i of img.
func (img *PEImage) SectionAddress(i int) uint32 {
	addr := uint32(peSectionAlignment)
	for _, s := range img.Sections[:i] {
		addr = alignUp(addr+max(s.VirtualSize, uint32(len(s.Data))), peSectionAlignment)
	}
	return addr
}

// BuildPE32 encodes img as a minimal, loadable-looking 32-bit PE file with 0x1000 section and
// 0x200 file alignment.
func BuildPE32(img PEImage) []byte {
	sections := slices.Clone(img.Sections)
	if len(img.Relocs) > 0 {
		sections = append(sections, PESection{
			Name:            ".reloc",
			Characteristics: 0x42000040,
			Data:            encodeRelocs(img.Relocs),
		})
	}

	headersEnd := uint32(peNTOffset + 4 + 20 + 224 + 40*len(sections))
	sizeOfHeaders := alignUp(headersEnd, peFileAlignment)

	type placed struct {
		va, vsize, raw, rawSize uint32
	}
	layout := make([]placed, len(sections))
	va := uint32(peSectionAlignment)
	raw := sizeOfHeaders
	for i, s := range sections {
		vsize := max(s.VirtualSize, uint32(len(s.Data)))
		rawSize := alignUp(uint32(len(s.Data)), peFileAlignment)
		layout[i] = placed{va: va, vsize: vsize, raw: raw, rawSize: rawSize}
		va = alignUp(va+vsize, peSectionAlignment)
		raw += rawSize
	}

	out := make([]byte, raw)
	le := binary.LittleEndian
	out[0], out[1] = 'M', 'Z'
	le.PutUint32(out[0x3c:], peNTOffset)
	copy(out[peNTOffset:], "PE\x00\x00")

	fh := out[peNTOffset+4:]
	le.PutUint16(fh[0:], 0x14c)
	le.PutUint16(fh[2:], uint16(len(sections)))
	le.PutUint16(fh[16:], 224)
	le.PutUint16(fh[18:], 0x0102)

	oh := out[peNTOffset+4+20:]
	le.PutUint16(oh[0:], 0x10b)
	le.PutUint32(oh[16:], img.EntryPoint)
	le.PutUint32(oh[28:], img.ImageBase)
	le.PutUint32(oh[32:], peSectionAlignment)
	le.PutUint32(oh[36:], peFileAlignment)
	le.PutUint16(oh[40:], 6)
	le.PutUint16(oh[48:], 6)
	le.PutUint32(oh[56:], va)
	le.PutUint32(oh[60:], sizeOfHeaders)
	le.PutUint16(oh[68:], 3)
	le.PutUint32(oh[72:], 0x100000)
	le.PutUint32(oh[76:], 0x1000)
	le.PutUint32(oh[80:], 0x100000)
	le.PutUint32(oh[84:], 0x1000)
	le.PutUint32(oh[92:], 16)
	if len(img.Relocs) > 0 {
		r := layout[len(layout)-1]
		le.PutUint32(oh[96+8*5:], r.va)
		le.PutUint32(oh[96+8*5+4:], uint32(len(sections[len(sections)-1].Data)))
	}

	table := out[peNTOffset+4+20+224:]
	for i, s := range sections {
		h := table[40*i:]
		copy(h[:8], s.Name)
		le.PutUint32(h[8:], layout[i].vsize)
		le.PutUint32(h[12:], layout[i].va)
		le.PutUint32(h[16:], layout[i].rawSize)
		le.PutUint32(h[20:], layout[i].raw)
		le.PutUint32(h[36:], s.Characteristics)
		copy(out[layout[i].raw:], s.Data)
	}
	return out
}

func encodeRelocs(addrs []uint32) []byte {
	sorted := slices.Clone(addrs)
	slices.Sort(sorted)
	var out []byte
	for i := 0; i < len(sorted); {
		page := sorted[i] &^ 0xfff
		var entries []uint16
		for ; i < len(sorted) && sorted[i]&^0xfff == page; i++ {
			entries = append(entries, 3<<12|uint16(sorted[i]&0xfff))
		}
		if len(entries)%2 != 0 {
			entries = append(entries, 0)
		}
		block := make([]byte, 8+2*len(entries))
		binary.LittleEndian.PutUint32(block, page)
		binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
		for k, e := range entries {
			binary.LittleEndian.PutUint16(block[8+2*k:], e)
		}
		out = append(out, block...)
	}
	return out
}
