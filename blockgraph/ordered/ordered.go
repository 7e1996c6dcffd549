// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ordered provides a per-section ordering of the blocks of a block graph. The ordering
// owns no bytes: the underlying graph must outlive it.
package ordered // import "github.com/syzygy-go/syzygy/blockgraph/ordered"

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/syzygy-go/syzygy/blockgraph"
)

// BlockGraph orders the sections of a graph and the blocks within each section. Blocks without a
// section (image headers) are kept in their own list.
type BlockGraph struct {
	graph    *blockgraph.BlockGraph
	sections []*blockgraph.Section
	blocks   map[blockgraph.SectionID][]*blockgraph.Block
}

// New builds the decomposition order: sections by id, blocks by original address then id.
func New(graph *blockgraph.BlockGraph) *BlockGraph {
	obg := &BlockGraph{
		graph:    graph,
		sections: graph.Sections(),
		blocks:   make(map[blockgraph.SectionID][]*blockgraph.Block),
	}
	for _, b := range graph.Blocks() {
		obg.blocks[b.SectionID()] = append(obg.blocks[b.SectionID()], b)
	}
	for _, list := range obg.blocks {
		slices.SortStableFunc(list, originalOrder)
	}
	return obg
}

func originalOrder(a, b *blockgraph.Block) int {
	if c := cmp.Compare(a.Addr(), b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID(), b.ID())
}

// Graph returns the underlying block graph.
func (obg *BlockGraph) Graph() *blockgraph.BlockGraph {
	return obg.graph
}

// Sections returns the sections in layout order.
func (obg *BlockGraph) Sections() []*blockgraph.Section {
	return slices.Clone(obg.sections)
}

// BlocksInSection returns the blocks of section id in layout order.
func (obg *BlockGraph) BlocksInSection(id blockgraph.SectionID) []*blockgraph.Block {
	return slices.Clone(obg.blocks[id])
}

// Unsectioned returns the blocks that belong to no section.
func (obg *BlockGraph) Unsectioned() []*blockgraph.Block {
	return obg.BlocksInSection(blockgraph.InvalidSectionID)
}

func (obg *BlockGraph) sectionIndex(s *blockgraph.Section) int {
	return slices.Index(obg.sections, s)
}

func (obg *BlockGraph) moveSection(s *blockgraph.Section, insert func() int) error {
	i := obg.sectionIndex(s)
	if i < 0 {
		return fmt.Errorf("section %s is not ordered", s.Name())
	}
	obg.sections = slices.Delete(obg.sections, i, i+1)
	obg.sections = slices.Insert(obg.sections, insert(), s)
	return nil
}

// PlaceSectionAtHead moves s to the front of the section order.
func (obg *BlockGraph) PlaceSectionAtHead(s *blockgraph.Section) error {
	return obg.moveSection(s, func() int { return 0 })
}

// PlaceSectionAtTail moves s to the end of the section order.
func (obg *BlockGraph) PlaceSectionAtTail(s *blockgraph.Section) error {
	return obg.moveSection(s, func() int { return len(obg.sections) })
}

// PlaceSectionBefore moves s right before anchor.
func (obg *BlockGraph) PlaceSectionBefore(anchor, s *blockgraph.Section) error {
	if anchor == s {
		return nil
	}
	return obg.moveSection(s, func() int { return max(obg.sectionIndex(anchor), 0) })
}

// PlaceSectionAfter moves s right after anchor.
func (obg *BlockGraph) PlaceSectionAfter(anchor, s *blockgraph.Section) error {
	if anchor == s {
		return nil
	}
	return obg.moveSection(s, func() int { return obg.sectionIndex(anchor) + 1 })
}

// detach removes b from the list of its current section.
func (obg *BlockGraph) detach(b *blockgraph.Block) {
	list := obg.blocks[b.SectionID()]
	if i := slices.Index(list, b); i >= 0 {
		obg.blocks[b.SectionID()] = slices.Delete(list, i, i+1)
	}
}

func (obg *BlockGraph) place(s *blockgraph.Section, b *blockgraph.Block, at func([]*blockgraph.Block) int) error {
	if b.Graph() != obg.graph {
		return blockgraph.ErrForeignBlock
	}
	id := blockgraph.InvalidSectionID
	if s != nil {
		if obg.sectionIndex(s) < 0 {
			return fmt.Errorf("section %s is not ordered", s.Name())
		}
		id = s.ID()
	}
	obg.detach(b)
	b.SetSection(id)
	list := obg.blocks[id]
	obg.blocks[id] = slices.Insert(list, at(list), b)
	return nil
}

// PlaceBlockAtHead moves b to the front of section s. A nil section stands for the unsectioned
// blocks. Moving a block to another section updates its section id.
func (obg *BlockGraph) PlaceBlockAtHead(s *blockgraph.Section, b *blockgraph.Block) error {
	return obg.place(s, b, func([]*blockgraph.Block) int { return 0 })
}

// PlaceBlockAtTail moves b to the end of section s.
func (obg *BlockGraph) PlaceBlockAtTail(s *blockgraph.Section, b *blockgraph.Block) error {
	return obg.place(s, b, func(list []*blockgraph.Block) int { return len(list) })
}

// PlaceBlockBefore moves b right before anchor, into the anchor's section.
func (obg *BlockGraph) PlaceBlockBefore(anchor, b *blockgraph.Block) error {
	if anchor == b {
		return nil
	}
	return obg.place(obg.graph.Section(anchor.SectionID()), b, func(list []*blockgraph.Block) int {
		return max(slices.Index(list, anchor), 0)
	})
}

// PlaceBlockAfter moves b right after anchor, into the anchor's section.
func (obg *BlockGraph) PlaceBlockAfter(anchor, b *blockgraph.Block) error {
	if anchor == b {
		return nil
	}
	return obg.place(obg.graph.Section(anchor.SectionID()), b, func(list []*blockgraph.Block) int {
		return slices.Index(list, anchor) + 1
	})
}

// SortSection reorders the blocks of section id with cmp. The sort is stable.
func (obg *BlockGraph) SortSection(id blockgraph.SectionID, cmp func(a, b *blockgraph.Block) int) {
	slices.SortStableFunc(obg.blocks[id], cmp)
}
