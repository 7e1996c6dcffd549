// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package match

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/blockgraph"
)

type image struct {
	graph                  *blockgraph.BlockGraph
	main, helper, leaf, pad *blockgraph.Block
	table                  *blockgraph.Block
}

// buildImage creates a small graph: main calls helper, helper calls leaf, table points at main.
// helper and leaf carry no names, so they can only be matched through propagation or hashes.
func buildImage(t *testing.T, leafByte byte) *image {
	g := blockgraph.New()
	img := &image{graph: g}
	img.main = g.AddBlock(blockgraph.CodeBlock, 16, "?main@@YAHXZ")
	img.main.SetData(bytes.Repeat([]byte{0xCC}, 16))
	img.helper = g.AddBlock(blockgraph.CodeBlock, 8, "")
	img.helper.SetData([]byte{0x55, 0x8B, 0xEC, 0xE8, 0, 0, 0, 0})
	img.leaf = g.AddBlock(blockgraph.CodeBlock, 4, "")
	img.leaf.SetData([]byte{leafByte, 0xC3, 0x90, 0x90})
	img.pad = g.AddBlock(blockgraph.CodeBlock, 4, "")
	img.pad.SetAttribute(blockgraph.Padding)
	img.table = g.AddBlock(blockgraph.DataBlock, 8, "")

	_, err := img.main.SetReference(4, blockgraph.NewReference(blockgraph.PCRelativeRef, 4,
		img.helper, 0))
	require.NoError(t, err)
	_, err = img.helper.SetReference(4, blockgraph.NewReference(blockgraph.PCRelativeRef, 4,
		img.leaf, 0))
	require.NoError(t, err)
	_, err = img.table.SetReference(0, blockgraph.NewReference(blockgraph.AbsoluteRef, 4,
		img.main, 0))
	require.NoError(t, err)
	return img
}

func TestGraphs(t *testing.T) {
	left := buildImage(t, 0x33)
	// The leaf differs, so it can only be reached through helper's single reference.
	right := buildImage(t, 0x31)

	res, err := Graphs(context.Background(), left.graph, right.graph)
	require.NoError(t, err)

	tests := map[string]struct {
		left, right *blockgraph.Block
		source      Source
	}{
		"name":      {left: left.main, right: right.main, source: ByName},
		"hash":      {left: left.helper, right: right.helper, source: ByHash},
		"reference": {left: left.leaf, right: right.leaf, source: ByReference},
		"table":     {left: left.table, right: right.table, source: ByHash},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, ok := res.Match(test.left)
			require.True(t, ok)
			assert.Same(t, test.right, p.Right)
			assert.Equal(t, test.source, p.Source)
			back, ok := res.ReverseMatch(test.right)
			require.True(t, ok)
			assert.Same(t, test.left, back.Left)
		})
	}

	_, ok := res.Match(left.pad)
	assert.False(t, ok)
	assert.Equal(t, 4, res.Len())
	assert.Len(t, res.Pairs(), 4)
}

func TestNamePriority(t *testing.T) {
	lg := blockgraph.New()
	rg := blockgraph.New()

	content := []byte{1, 2, 3, 4}
	a := lg.AddBlock(blockgraph.CodeBlock, 4, "a")
	a.SetData(content)

	// In the right graph "a" was rewritten, while an unrelated block has a's old bytes.
	ra := rg.AddBlock(blockgraph.CodeBlock, 4, "a")
	ra.SetData([]byte{9, 9, 9, 9})
	other := rg.AddBlock(blockgraph.CodeBlock, 4, "other")
	other.SetData(content)

	res, err := Graphs(context.Background(), lg, rg)
	require.NoError(t, err)

	p, ok := res.Match(a)
	require.True(t, ok)
	assert.Same(t, ra, p.Right)
	assert.Equal(t, ByName, p.Source)
	require.Len(t, res.Conflicts, 1)
	assert.Same(t, other, res.Conflicts[0].Right)
	assert.Equal(t, ByHash, res.Conflicts[0].Source)
}

func TestCancelled(t *testing.T) {
	img := buildImage(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Graphs(ctx, img.graph, buildImage(t, 0).graph)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAmbiguousReferrersResolveInOffsetOrder(t *testing.T) {
	// left has one block referring to the target twice, right has two distinct referrers. The
	// referrer at the lower target offset wins and the other stays unmatched.
	build := func(t *testing.T, split bool) (*blockgraph.BlockGraph, []*blockgraph.Block) {
		g := blockgraph.New()
		target := g.AddBlock(blockgraph.DataBlock, 8, "target")
		target.SetData([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		if !split {
			b := g.AddBlock(blockgraph.DataBlock, 8, "")
			for _, off := range []blockgraph.Offset{0, 4} {
				_, err := b.SetReference(off, blockgraph.NewReference(blockgraph.AbsoluteRef, 4,
					target, off))
				require.NoError(t, err)
			}
			return g, []*blockgraph.Block{b}
		}
		var refs []*blockgraph.Block
		for i, off := range []blockgraph.Offset{0, 4} {
			b := g.AddBlock(blockgraph.DataBlock, 4+uint32(i), "")
			_, err := b.SetReference(0, blockgraph.NewReference(blockgraph.AbsoluteRef, 4,
				target, off))
			require.NoError(t, err)
			refs = append(refs, b)
		}
		return g, refs
	}

	left, lrefs := build(t, false)
	right, rrefs := build(t, true)
	for range 20 {
		res, err := Graphs(context.Background(), left, right)
		require.NoError(t, err)
		p, ok := res.Match(lrefs[0])
		require.True(t, ok)
		assert.Same(t, rrefs[0], p.Right)
		assert.Equal(t, ByReferrer, p.Source)
		_, ok = res.ReverseMatch(rrefs[1])
		assert.False(t, ok)
	}
}
