// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/core"
)

const relocPageSize = 4096

// ParseRelocations returns the addresses of the HIGHLOW fixups of a base relocation table.
// Padding entries are skipped; any other fixup type is rejected.
func ParseRelocations(table []byte) ([]core.RelativeAddress, error) {
	var out []core.RelativeAddress
	for pos := 0; pos+8 <= len(table); {
		page := binary.LittleEndian.Uint32(table[pos:])
		size := int(binary.LittleEndian.Uint32(table[pos+4:]))
		if size < 8 || pos+size > len(table) || size%2 != 0 {
			return nil, fmt.Errorf("invalid relocation block size %d at %d", size, pos)
		}
		for e := pos + 8; e < pos+size; e += 2 {
			entry := binary.LittleEndian.Uint16(table[e:])
			switch entry >> 12 {
			case RelBasedAbsolute:
			case RelBasedHighLow:
				out = append(out, core.RelativeAddress(page+uint32(entry&0xfff)))
			default:
				return nil, fmt.Errorf("unsupported relocation type %d at 0x%08X", entry>>12,
					page+uint32(entry&0xfff))
			}
		}
		pos += size
	}
	return out, nil
}

// BuildRelocations encodes addrs as a base relocation table of HIGHLOW fixups. Blocks are padded
// to a multiple of four bytes with an absolute entry.
func BuildRelocations(addrs []core.RelativeAddress) []byte {
	sorted := slices.Clone(addrs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var out []byte
	for i := 0; i < len(sorted); {
		page := core.AlignDown(uint32(sorted[i]), relocPageSize)
		j := i
		for j < len(sorted) && core.AlignDown(uint32(sorted[j]), relocPageSize) == page {
			j++
		}
		entries := j - i
		if entries%2 != 0 {
			entries++
		}
		block := make([]byte, 8+2*entries)
		binary.LittleEndian.PutUint32(block, page)
		binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
		for k, addr := range sorted[i:j] {
			v := uint16(RelBasedHighLow<<12) | uint16(uint32(addr)-page)
			binary.LittleEndian.PutUint16(block[8+2*k:], v)
		}
		out = append(out, block...)
		i = j
	}
	return out
}

// absoluteReferenceAddresses returns the address of every 4-byte absolute reference in the
// laid out image.
func absoluteReferenceAddresses(layout *ImageLayout) []core.RelativeAddress {
	var out []core.RelativeAddress
	for addr, b := range layout.Blocks.All() {
		if b == layout.Header {
			continue
		}
		for _, r := range b.SortedReferences() {
			if r.Reference.Type == blockgraph.AbsoluteRef && r.Reference.Size == 4 {
				out = append(out, addr+core.RelativeAddress(r.Offset))
			}
		}
	}
	return out
}
