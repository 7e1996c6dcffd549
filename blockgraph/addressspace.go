// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"fmt"
	"iter"

	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/core/addrspace"
)

// AddressRange is a range of relative virtual addresses.
type AddressRange = addrspace.Range[core.RelativeAddress]

// NewAddressRange creates the range [addr, addr+size).
func NewAddressRange(addr core.RelativeAddress, size uint32) AddressRange {
	return addrspace.NewRange(addr, core.RelativeAddress(size))
}

// AddressSpace places blocks of one graph at relative addresses. It is used both while
// decomposing an image and to describe a freshly laid out one.
type AddressSpace struct {
	graph  *BlockGraph
	space  *addrspace.AddressSpace[core.RelativeAddress, *Block]
	ranges map[*Block]AddressRange
}

// NewAddressSpace creates an empty address space over graph.
func NewAddressSpace(graph *BlockGraph) *AddressSpace {
	return &AddressSpace{
		graph:  graph,
		space:  addrspace.New[core.RelativeAddress, *Block](),
		ranges: make(map[*Block]AddressRange),
	}
}

// Graph returns the graph the blocks belong to.
func (as *AddressSpace) Graph() *BlockGraph {
	return as.graph
}

// Len returns the number of placed blocks.
func (as *AddressSpace) Len() int {
	return as.space.Len()
}

// AddBlock creates a new block in the graph and places it at addr. Zero sized blocks occupy one
// address for lookup purposes.
func (as *AddressSpace) AddBlock(typ BlockType, addr core.RelativeAddress, size uint32,
	name string) (*Block, error) {
	r := NewAddressRange(addr, max(size, 1))
	if as.space.Intersects(r) {
		return nil, fmt.Errorf("block %q at %v intersects an existing block", name, r)
	}
	b := as.graph.AddBlock(typ, size, name)
	b.SetAddr(addr)
	as.space.Insert(r, b)
	as.ranges[b] = r
	return b, nil
}

// InsertBlock places an existing block at addr.
func (as *AddressSpace) InsertBlock(addr core.RelativeAddress, b *Block) bool {
	if b.graph != as.graph {
		return false
	}
	if _, ok := as.ranges[b]; ok {
		return false
	}
	r := NewAddressRange(addr, max(b.size, 1))
	if !as.space.Insert(r, b) {
		return false
	}
	as.ranges[b] = r
	return true
}

// RemoveBlock forgets the placement of b. The block stays in the graph.
func (as *AddressSpace) RemoveBlock(b *Block) bool {
	r, ok := as.ranges[b]
	if !ok {
		return false
	}
	as.space.Remove(r)
	delete(as.ranges, b)
	return true
}

// AddressOf returns the address b was placed at.
func (as *AddressSpace) AddressOf(b *Block) (core.RelativeAddress, bool) {
	r, ok := as.ranges[b]
	return r.Start(), ok
}

// BlockByAddress returns the block starting exactly at addr.
func (as *AddressSpace) BlockByAddress(addr core.RelativeAddress) *Block {
	e, ok := as.space.FindAddress(addr)
	if !ok || e.Range.Start() != addr {
		return nil
	}
	return e.Value
}

// ContainingBlock returns the block covering all of [addr, addr+size).
func (as *AddressSpace) ContainingBlock(addr core.RelativeAddress, size uint32) *Block {
	e, ok := as.space.FindContaining(NewAddressRange(addr, max(size, 1)))
	if !ok {
		return nil
	}
	return e.Value
}

// IntersectingBlocks returns the blocks overlapping [addr, addr+size) in address order.
func (as *AddressSpace) IntersectingBlocks(addr core.RelativeAddress, size uint32) []*Block {
	entries := as.space.FindIntersecting(NewAddressRange(addr, size))
	out := make([]*Block, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

// All iterates over the placed blocks in address order.
func (as *AddressSpace) All() iter.Seq2[core.RelativeAddress, *Block] {
	return func(yield func(core.RelativeAddress, *Block) bool) {
		for r, b := range as.space.All() {
			if !yield(r.Start(), b) {
				return
			}
		}
	}
}

// MergeIntersectingBlocks replaces every block overlapping r by one new block spanning their
// union. Data, labels, references and referrers of the merged blocks are carried over at their
// relative positions. The merged blocks must share type and section.
func (as *AddressSpace) MergeIntersectingBlocks(r AddressRange) (*Block, error) {
	entries := as.space.FindIntersecting(r)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no blocks intersect %v", r)
	}
	if len(entries) == 1 {
		return entries[0].Value, nil
	}

	first := entries[0].Value
	start := entries[0].Range.Start()
	end := entries[len(entries)-1].Range.End()
	for _, e := range entries[1:] {
		b := e.Value
		if b.typ != first.typ || b.section != first.section {
			return nil, fmt.Errorf("cannot merge %v with %v", first, b)
		}
	}

	for _, e := range entries {
		as.RemoveBlock(e.Value)
	}
	merged, err := as.AddBlock(first.typ, start, uint32(end-start), first.name)
	if err != nil {
		return nil, err
	}
	merged.SetSection(first.section)

	for _, e := range entries {
		b := e.Value
		delta := Offset(e.Range.Start() - start)
		if len(b.data) > 0 {
			data := merged.ResizeData(max(merged.DataSize(), uint32(delta)+uint32(len(b.data))))
			copy(data[delta:], b.data)
		}
		merged.attributes |= b.attributes
		merged.alignment = max(merged.alignment, b.alignment)
		for _, l := range b.Labels() {
			merged.SetLabel(l.Offset+delta, l.Label)
		}
		for _, sr := range b.sourceRanges {
			merged.AddSourceRange(sr.Offset+delta, sr.Size, sr.Source)
		}
		merged.AddSourceRange(delta, b.size, e.Range.Start())
	}
	for _, e := range entries {
		b := e.Value
		delta := Offset(e.Range.Start() - start)
		for _, ref := range b.SortedReferences() {
			nr := ref.Reference
			if idx := mergedIndex(entries, nr.Referenced); idx >= 0 {
				d := Offset(entries[idx].Range.Start() - start)
				nr.Referenced = merged
				nr.Offset += d
				nr.Base += d
			}
			b.RemoveReference(ref.Offset)
			if _, err := merged.SetReference(ref.Offset+delta, nr); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range entries {
		b := e.Value
		if err := b.TransferReferrers(Offset(e.Range.Start()-start), merged); err != nil {
			return nil, err
		}
		if !as.graph.RemoveBlock(b) {
			return nil, fmt.Errorf("%v: %w", b, ErrHasReferrers)
		}
	}
	return merged, nil
}

func mergedIndex(entries []addrspace.Entry[core.RelativeAddress, *Block], b *Block) int {
	for i, e := range entries {
		if e.Value == b {
			return i
		}
	}
	return -1
}
