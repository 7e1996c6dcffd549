// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"cmp"
	"slices"

	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/pdb"
)

// BuildOmap derives the address translation tables between a relinked image and the image it
// was decomposed from. Both tables are sorted by their source address. Ranges without a
// counterpart map to 0, and each table ends with an entry for the end of its image.
//
// to maps addresses of the new image to the original one; from maps the other way.
func BuildOmap(layout *ImageLayout, originalSize uint32) (to, from []pdb.OmapEntry) {
	type mapping struct {
		newAddr, oldAddr core.RelativeAddress
		size             uint32
	}
	var mappings []mapping
	for addr, b := range layout.Blocks.All() {
		for _, sr := range b.SourceRanges() {
			mappings = append(mappings, mapping{
				newAddr: addr + core.RelativeAddress(sr.Offset),
				oldAddr: sr.Source,
				size:    sr.Size,
			})
		}
	}

	slices.SortFunc(mappings, func(a, b mapping) int { return cmp.Compare(a.newAddr, b.newAddr) })
	to = buildTable(mappings, layout.SizeOfImage(),
		func(m mapping) (core.RelativeAddress, core.RelativeAddress, uint32) {
			return m.newAddr, m.oldAddr, m.size
		})

	slices.SortFunc(mappings, func(a, b mapping) int { return cmp.Compare(a.oldAddr, b.oldAddr) })
	from = buildTable(mappings, originalSize,
		func(m mapping) (core.RelativeAddress, core.RelativeAddress, uint32) {
			return m.oldAddr, m.newAddr, m.size
		})
	return to, from
}

// buildTable emits one entry per mapping, plus an unmapped entry for every gap between them.
func buildTable[M any](mappings []M, end uint32,
	split func(M) (src, dst core.RelativeAddress, size uint32)) []pdb.OmapEntry {
	var out []pdb.OmapEntry
	cursor := core.RelativeAddress(0)
	for _, m := range mappings {
		src, dst, size := split(m)
		if src < cursor {
			// Overlapping source ranges keep the first mapping.
			continue
		}
		if src > cursor {
			out = append(out, pdb.OmapEntry{RVA: uint32(cursor), RVATo: 0})
		}
		out = append(out, pdb.OmapEntry{RVA: uint32(src), RVATo: uint32(dst)})
		cursor = src + core.RelativeAddress(size)
	}
	if uint32(cursor) < end {
		out = append(out, pdb.OmapEntry{RVA: uint32(cursor), RVATo: 0})
	}
	out = append(out, pdb.OmapEntry{RVA: end, RVATo: 0})
	return out
}
