// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ordered // import "github.com/syzygy-go/syzygy/blockgraph/ordered"

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/blockgraph"
)

// Orderer rearranges an ordered block graph. The header block is passed along so that orderers
// can keep it in place.
type Orderer interface {
	Name() string
	OrderBlockGraph(obg *BlockGraph, header *blockgraph.Block) error
}

// Apply runs the orderers in sequence, stopping at the first failure.
func Apply(obg *BlockGraph, header *blockgraph.Block, orderers ...Orderer) error {
	for _, o := range orderers {
		log.Debugf("Applying orderer %s", o.Name())
		if err := o.OrderBlockGraph(obg, header); err != nil {
			return fmt.Errorf("orderer %s: %w", o.Name(), err)
		}
	}
	return nil
}

// OriginalOrderer restores the decomposition order.
type OriginalOrderer struct{}

func (OriginalOrderer) Name() string { return "original" }

func (OriginalOrderer) OrderBlockGraph(obg *BlockGraph, _ *blockgraph.Block) error {
	*obg = *New(obg.graph)
	return nil
}

// NamedOrderer sorts the blocks of every section by name. Padding blocks sink to the end of
// their section.
type NamedOrderer struct{}

func (NamedOrderer) Name() string { return "named" }

func (NamedOrderer) OrderBlockGraph(obg *BlockGraph, _ *blockgraph.Block) error {
	for _, s := range obg.sections {
		obg.SortSection(s.ID(), func(a, b *blockgraph.Block) int {
			pa, pb := a.HasAttributes(blockgraph.Padding), b.HasAttributes(blockgraph.Padding)
			if pa != pb {
				if pa {
					return 1
				}
				return -1
			}
			return cmp.Compare(a.Name(), b.Name())
		})
	}
	return nil
}

// OrderFile is the JSON document driving ExplicitOrderer.
type OrderFile struct {
	Sections []SectionOrder `json:"sections"`
}

// SectionOrder lists block names in the order they should appear in a section.
type SectionOrder struct {
	Name   string   `json:"name"`
	Blocks []string `json:"blocks"`
}

// ParseOrderFile decodes an order file.
func ParseOrderFile(r io.Reader) (*OrderFile, error) {
	var of OrderFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&of); err != nil {
		return nil, fmt.Errorf("failed to parse order file: %w", err)
	}
	return &of, nil
}

// ExplicitOrderer applies an order file: sections appear in file order ahead of the unlisted
// ones, and the listed blocks are moved to the head of their section in file order. Listed blocks
// may be moved between sections of the same kind.
type ExplicitOrderer struct {
	Order *OrderFile
}

func (ExplicitOrderer) Name() string { return "explicit" }

func (e ExplicitOrderer) OrderBlockGraph(obg *BlockGraph, _ *blockgraph.Block) error {
	byName := make(map[string]*blockgraph.Block)
	for _, b := range obg.graph.Blocks() {
		if _, dup := byName[b.Name()]; dup {
			log.Debugf("Block name %s is ambiguous, keeping the first", b.Name())
			continue
		}
		byName[b.Name()] = b
	}

	var prev *blockgraph.Section
	for _, so := range e.Order.Sections {
		s := obg.graph.FindSection(so.Name)
		if s == nil {
			return fmt.Errorf("unknown section %s", so.Name)
		}
		var err error
		if prev == nil {
			err = obg.PlaceSectionAtHead(s)
		} else {
			err = obg.PlaceSectionAfter(prev, s)
		}
		if err != nil {
			return err
		}
		prev = s

		var last *blockgraph.Block
		for _, name := range so.Blocks {
			b, ok := byName[name]
			if !ok {
				return fmt.Errorf("unknown block %s", name)
			}
			if cur := obg.graph.Section(b.SectionID()); cur != nil && cur != s &&
				isCode(cur) != isCode(s) {
				return fmt.Errorf("block %s cannot move from %s to %s", name, cur.Name(),
					s.Name())
			}
			if last == nil {
				err = obg.PlaceBlockAtHead(s, b)
			} else {
				err = obg.PlaceBlockAfter(last, b)
			}
			if err != nil {
				return err
			}
			last = b
		}
	}
	return nil
}

// isCode reports whether a section holds executable code.
func isCode(s *blockgraph.Section) bool {
	const memExecute = 0x20000000
	return s.Characteristics()&memExecute != 0 || strings.HasPrefix(s.Name(), ".text")
}
