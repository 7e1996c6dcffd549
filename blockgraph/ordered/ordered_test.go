// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ordered

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/core"
)

type fixture struct {
	graph      *blockgraph.BlockGraph
	text, data *blockgraph.Section
	header     *blockgraph.Block
	f1, f2, f3 *blockgraph.Block
	d1         *blockgraph.Block
}

func newFixture() *fixture {
	g := blockgraph.New()
	fx := &fixture{graph: g}
	fx.text = g.AddSection(".text", 0x60000020)
	fx.data = g.AddSection(".data", 0xC0000040)
	fx.header = g.AddBlock(blockgraph.DataBlock, 0x400, "header")

	add := func(s *blockgraph.Section, typ blockgraph.BlockType, name string,
		addr uint32) *blockgraph.Block {
		b := g.AddBlock(typ, 16, name)
		b.SetSection(s.ID())
		b.SetAddr(core.RelativeAddress(0x1000 + addr))
		return b
	}
	fx.f3 = add(fx.text, blockgraph.CodeBlock, "f3", 0x20)
	fx.f1 = add(fx.text, blockgraph.CodeBlock, "f1", 0x00)
	fx.f2 = add(fx.text, blockgraph.CodeBlock, "f2", 0x10)
	fx.d1 = add(fx.data, blockgraph.DataBlock, "d1", 0x1000)
	return fx
}

func names(blocks []*blockgraph.Block) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Name())
	}
	return out
}

func TestDecompositionOrder(t *testing.T) {
	fx := newFixture()
	obg := New(fx.graph)
	assert.Equal(t, []*blockgraph.Section{fx.text, fx.data}, obg.Sections())
	assert.Equal(t, []string{"f1", "f2", "f3"}, names(obg.BlocksInSection(fx.text.ID())))
	assert.Equal(t, []string{"header"}, names(obg.Unsectioned()))
}

func TestPlacement(t *testing.T) {
	fx := newFixture()
	obg := New(fx.graph)

	require.NoError(t, obg.PlaceSectionAtHead(fx.data))
	assert.Equal(t, []*blockgraph.Section{fx.data, fx.text}, obg.Sections())
	require.NoError(t, obg.PlaceSectionAfter(fx.data, fx.text))
	require.NoError(t, obg.PlaceSectionBefore(fx.data, fx.text))
	assert.Equal(t, []*blockgraph.Section{fx.text, fx.data}, obg.Sections())

	require.NoError(t, obg.PlaceBlockAtTail(fx.text, fx.f1))
	assert.Equal(t, []string{"f2", "f3", "f1"}, names(obg.BlocksInSection(fx.text.ID())))
	require.NoError(t, obg.PlaceBlockBefore(fx.f2, fx.f3))
	assert.Equal(t, []string{"f3", "f2", "f1"}, names(obg.BlocksInSection(fx.text.ID())))

	require.NoError(t, obg.PlaceBlockAfter(fx.d1, fx.f2))
	assert.Equal(t, fx.data.ID(), fx.f2.SectionID())
	assert.Equal(t, []string{"d1", "f2"}, names(obg.BlocksInSection(fx.data.ID())))
	assert.Equal(t, []string{"f3", "f1"}, names(obg.BlocksInSection(fx.text.ID())))

	require.NoError(t, Apply(obg, fx.header, OriginalOrderer{}))
	assert.Equal(t, []string{"f1", "f3"}, names(obg.BlocksInSection(fx.text.ID())))
}

func TestNamedOrderer(t *testing.T) {
	fx := newFixture()
	fx.f1.SetAttribute(blockgraph.Padding)
	obg := New(fx.graph)
	require.NoError(t, Apply(obg, fx.header, NamedOrderer{}))
	assert.Equal(t, []string{"f2", "f3", "f1"}, names(obg.BlocksInSection(fx.text.ID())))
}

func TestExplicitOrderer(t *testing.T) {
	tests := map[string]struct {
		order    string
		sections []string
		text     []string
		err      bool
	}{
		"reorder": {
			order:    `{"sections":[{"name":".text","blocks":["f3","f1"]}]}`,
			sections: []string{".text", ".data"},
			text:     []string{"f3", "f1", "f2"},
		},
		"sections": {
			order:    `{"sections":[{"name":".data","blocks":[]},{"name":".text","blocks":["f2"]}]}`,
			sections: []string{".data", ".text"},
			text:     []string{"f2", "f1", "f3"},
		},
		"unknown block": {
			order: `{"sections":[{"name":".text","blocks":["nope"]}]}`,
			err:   true,
		},
		"code into data": {
			order: `{"sections":[{"name":".data","blocks":["f1"]}]}`,
			err:   true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			fx := newFixture()
			of, err := ParseOrderFile(strings.NewReader(test.order))
			require.NoError(t, err)
			obg := New(fx.graph)
			err = Apply(obg, fx.header, ExplicitOrderer{Order: of})
			if test.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			var sections []string
			for _, s := range obg.Sections() {
				sections = append(sections, s.Name())
			}
			assert.Equal(t, test.sections, sections)
			assert.Equal(t, test.text, names(obg.BlocksInSection(fx.text.ID())))
		})
	}
}

func TestParseOrderFileRejectsUnknownFields(t *testing.T) {
	_, err := ParseOrderFile(strings.NewReader(`{"bogus":1}`))
	require.Error(t, err)
}
