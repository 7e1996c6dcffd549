// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockgraph models a decomposed image as a graph of blocks. Blocks own their bytes and
// are linked by typed references; every reference is mirrored by a referrer entry on its target
// so that blocks can be moved, merged and removed without scanning the whole graph.
package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// SectionID identifies a section within a BlockGraph.
type SectionID uint32

// InvalidSectionID is the section id of blocks that live outside any section, e.g. the image
// headers.
const InvalidSectionID SectionID = ^SectionID(0)

// BlockID identifies a block within a BlockGraph.
type BlockID uint32

var (
	// ErrSectionInUse is returned when removing a section that still owns blocks.
	ErrSectionInUse = errors.New("section still has blocks")
	// ErrHasReferrers is returned when an operation requires a block without referrers.
	ErrHasReferrers = errors.New("block still has referrers")
	// ErrForeignBlock is returned when blocks from different graphs are combined.
	ErrForeignBlock = errors.New("block belongs to another graph")
)

// Section describes an image section blocks can be assigned to.
type Section struct {
	id              SectionID
	name            string
	characteristics uint32
}

func (s *Section) ID() SectionID           { return s.id }
func (s *Section) Name() string            { return s.name }
func (s *Section) Characteristics() uint32 { return s.characteristics }

func (s *Section) SetName(name string) { s.name = name }

func (s *Section) SetCharacteristics(characteristics uint32) {
	s.characteristics = characteristics
}

func (s *Section) String() string {
	return fmt.Sprintf("%s (id %d, 0x%08X)", s.name, s.id, s.characteristics)
}

// BlockGraph holds the sections and blocks of one image.
type BlockGraph struct {
	sections      map[SectionID]*Section
	nextSectionID SectionID

	blocks      map[BlockID]*Block
	nextBlockID BlockID
}

// New creates an empty block graph.
func New() *BlockGraph {
	return &BlockGraph{
		sections: make(map[SectionID]*Section),
		blocks:   make(map[BlockID]*Block),
	}
}

// AddSection creates a new section. Section ids are assigned in increasing order.
func (g *BlockGraph) AddSection(name string, characteristics uint32) *Section {
	s := &Section{
		id:              g.nextSectionID,
		name:            name,
		characteristics: characteristics,
	}
	g.sections[s.id] = s
	g.nextSectionID++
	return s
}

// FindSection returns the section with the given name.
func (g *BlockGraph) FindSection(name string) *Section {
	for _, s := range g.Sections() {
		if s.name == name {
			return s
		}
	}
	return nil
}

// FindOrAddSection returns the section named name, creating it if needed. The characteristics of
// an existing section are merged with the given ones.
func (g *BlockGraph) FindOrAddSection(name string, characteristics uint32) *Section {
	if s := g.FindSection(name); s != nil {
		s.characteristics |= characteristics
		return s
	}
	return g.AddSection(name, characteristics)
}

// Section returns the section with the given id, or nil.
func (g *BlockGraph) Section(id SectionID) *Section {
	return g.sections[id]
}

// Sections returns all sections ordered by id.
func (g *BlockGraph) Sections() []*Section {
	ids := slices.Sorted(maps.Keys(g.sections))
	out := make([]*Section, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.sections[id])
	}
	return out
}

// RemoveSection deletes a section that no block belongs to anymore.
func (g *BlockGraph) RemoveSection(s *Section) error {
	if g.sections[s.id] != s {
		return fmt.Errorf("section %s: not part of this graph", s.name)
	}
	for _, b := range g.blocks {
		if b.section == s.id {
			return fmt.Errorf("section %s: %w", s.name, ErrSectionInUse)
		}
	}
	delete(g.sections, s.id)
	return nil
}

// AddBlock creates a new block of the given type and size with no data.
func (g *BlockGraph) AddBlock(typ BlockType, size uint32, name string) *Block {
	b := &Block{
		graph:     g,
		id:        g.nextBlockID,
		typ:       typ,
		size:      size,
		name:      name,
		alignment: 1,
		section:   InvalidSectionID,
	}
	g.blocks[b.id] = b
	g.nextBlockID++
	return b
}

// RemoveBlock deletes a block that nothing refers to. The references the block holds are dropped
// together with it.
func (g *BlockGraph) RemoveBlock(b *Block) bool {
	if g.blocks[b.id] != b || len(b.referrers) > 0 {
		return false
	}
	b.RemoveAllReferences()
	delete(g.blocks, b.id)
	b.graph = nil
	return true
}

// Block returns the block with the given id, or nil.
func (g *BlockGraph) Block(id BlockID) *Block {
	return g.blocks[id]
}

// Blocks returns all blocks ordered by id.
func (g *BlockGraph) Blocks() []*Block {
	ids := slices.Sorted(maps.Keys(g.blocks))
	out := make([]*Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.blocks[id])
	}
	return out
}

// BlockCount returns the number of blocks in the graph.
func (g *BlockGraph) BlockCount() int {
	return len(g.blocks)
}

// SectionBlocks returns the blocks assigned to section id, ordered by id.
func (g *BlockGraph) SectionBlocks(id SectionID) []*Block {
	var out []*Block
	for _, b := range g.Blocks() {
		if b.section == id {
			out = append(out, b)
		}
	}
	return out
}
