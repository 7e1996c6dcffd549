// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package match pairs up the blocks of two block graphs built from related images, e.g. an image
// before and after a relink.
package match // import "github.com/syzygy-go/syzygy/blockgraph/match"

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syzygy-go/syzygy/blockgraph"
)

// Source tells how a pair of blocks was matched.
type Source uint8

const (
	// ByName pairs blocks carrying a unique decorated name in both graphs.
	ByName Source = iota
	// ByHash pairs blocks carrying a unique content hash in both graphs.
	ByHash
	// ByReference pairs blocks reached through the references of a matched pair.
	ByReference
	// ByReferrer pairs blocks reached through the referrers of a matched pair.
	ByReferrer
)

func (s Source) String() string {
	switch s {
	case ByName:
		return "name"
	case ByHash:
		return "hash"
	case ByReference:
		return "reference"
	case ByReferrer:
		return "referrer"
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Pair is a match between a block of the first and a block of the second graph.
type Pair struct {
	Left   *blockgraph.Block
	Right  *blockgraph.Block
	Source Source
}

// Result holds the matches found between two graphs.
type Result struct {
	forward  map[*blockgraph.Block]Pair
	backward map[*blockgraph.Block]Pair

	// Conflicts lists candidate pairs that lost against an earlier, higher priority match.
	Conflicts []Pair
}

// Match returns the pair the left block belongs to.
func (r *Result) Match(left *blockgraph.Block) (Pair, bool) {
	p, ok := r.forward[left]
	return p, ok
}

// ReverseMatch returns the pair the right block belongs to.
func (r *Result) ReverseMatch(right *blockgraph.Block) (Pair, bool) {
	p, ok := r.backward[right]
	return p, ok
}

// Len returns the number of matched pairs.
func (r *Result) Len() int {
	return len(r.forward)
}

// Pairs returns the matches ordered by left block id.
func (r *Result) Pairs() []Pair {
	out := make([]Pair, 0, len(r.forward))
	for _, p := range r.forward {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Pair) int {
		return cmp.Compare(a.Left.ID(), b.Left.ID())
	})
	return out
}

// features holds the per-block matching features of one graph.
type features struct {
	blocks []*blockgraph.Block
	hashes map[*blockgraph.Block]blockgraph.ContentHash
}

func computeFeatures(g *blockgraph.BlockGraph) *features {
	f := &features{hashes: make(map[*blockgraph.Block]blockgraph.ContentHash)}
	for _, b := range g.Blocks() {
		if b.HasAttributes(blockgraph.Padding) {
			continue
		}
		f.blocks = append(f.blocks, b)
		f.hashes[b] = b.Hash()
	}
	return f
}

// bucket collects the blocks of both graphs sharing a feature value.
type bucket struct {
	left, right []*blockgraph.Block
}

func bucketize[K comparable](left, right []*blockgraph.Block,
	key func(*blockgraph.Block) (K, bool)) (map[K]*bucket, []K) {
	buckets := make(map[K]*bucket)
	var order []K
	get := func(k K) *bucket {
		bk, ok := buckets[k]
		if !ok {
			bk = &bucket{}
			buckets[k] = bk
			order = append(order, k)
		}
		return bk
	}
	for _, b := range left {
		if k, ok := key(b); ok {
			bk := get(k)
			bk.left = append(bk.left, b)
		}
	}
	for _, b := range right {
		if k, ok := key(b); ok {
			bk := get(k)
			bk.right = append(bk.right, b)
		}
	}
	return buckets, order
}

type matcher struct {
	left, right *features
	result      *Result
	queue       []Pair
}

// Graphs matches the blocks of left and right. Blocks with a unique name or a unique content
// hash in both graphs are paired first, name matches taking priority. Matches then propagate
// through references and referrers until no new pair is found. Padding blocks are ignored.
func Graphs(ctx context.Context, left, right *blockgraph.BlockGraph) (*Result, error) {
	var lf, rf *features
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		lf = computeFeatures(left)
		return nil
	})
	g.Go(func() error {
		rf = computeFeatures(right)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &matcher{
		left:  lf,
		right: rf,
		result: &Result{
			forward:  make(map[*blockgraph.Block]Pair),
			backward: make(map[*blockgraph.Block]Pair),
		},
	}

	names, nameOrder := bucketize(lf.blocks, rf.blocks, func(b *blockgraph.Block) (string, bool) {
		return b.Name(), b.Name() != ""
	})
	for _, k := range nameOrder {
		if bk := names[k]; len(bk.left) == 1 && len(bk.right) == 1 {
			m.schedule(Pair{Left: bk.left[0], Right: bk.right[0], Source: ByName})
		}
	}

	hashOf := func(b *blockgraph.Block) (blockgraph.ContentHash, bool) {
		if h, ok := lf.hashes[b]; ok {
			return h, true
		}
		h, ok := rf.hashes[b]
		return h, ok
	}
	hashes, hashOrder := bucketize(lf.blocks, rf.blocks, hashOf)
	for _, k := range hashOrder {
		if bk := hashes[k]; len(bk.left) == 1 && len(bk.right) == 1 {
			m.schedule(Pair{Left: bk.left[0], Right: bk.right[0], Source: ByHash})
		}
	}

	for len(m.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := m.queue[0]
		m.queue = m.queue[1:]
		m.propagate(p)
	}

	log.Debugf("Matched %d of %d/%d blocks, %d conflicts", m.result.Len(), len(lf.blocks),
		len(rf.blocks), len(m.result.Conflicts))
	return m.result, nil
}

// schedule records p unless either side is already matched. Losing candidates are kept as
// conflicts when they disagree with the existing match.
func (m *matcher) schedule(p Pair) bool {
	if p.Left.HasAttributes(blockgraph.Padding) || p.Right.HasAttributes(blockgraph.Padding) {
		return false
	}
	existing, leftTaken := m.result.forward[p.Left]
	if !leftTaken {
		existing, leftTaken = m.result.backward[p.Right]
	}
	if leftTaken {
		if existing.Left != p.Left || existing.Right != p.Right {
			if p.Source == ByHash || p.Source == ByName {
				log.Debugf("Match conflict: %s <-> %s by %s loses against %s <-> %s by %s",
					readable(p.Left), readable(p.Right), p.Source,
					readable(existing.Left), readable(existing.Right), existing.Source)
				m.result.Conflicts = append(m.result.Conflicts, p)
			}
		}
		return false
	}
	m.result.forward[p.Left] = p
	m.result.backward[p.Right] = p
	m.queue = append(m.queue, p)
	return true
}

func (m *matcher) propagate(p Pair) {
	identical := m.left.hashes[p.Left] == m.right.hashes[p.Right] &&
		blockgraph.Compare(p.Left, p.Right) == 0

	lrefs, rrefs := p.Left.SortedReferences(), p.Right.SortedReferences()
	switch {
	case identical:
		// Identical blocks carry references at the same offsets.
		for i := range lrefs {
			lr, rr := lrefs[i].Reference, rrefs[i].Reference
			if lr.Offset == rr.Offset {
				m.schedule(Pair{Left: lr.Referenced, Right: rr.Referenced, Source: ByReference})
			}
		}
	case len(lrefs) == 1 && len(rrefs) == 1:
		m.schedule(Pair{Left: lrefs[0].Reference.Referenced, Right: rrefs[0].Reference.Referenced,
			Source: ByReference})
	}

	lsrc, rsrc := uniqueReferrers(p.Left), uniqueReferrers(p.Right)
	if identical {
		for _, off := range slices.Sorted(maps.Keys(lsrc)) {
			l := lsrc[off]
			if r, ok := rsrc[off]; ok && l != nil && r != nil {
				m.schedule(Pair{Left: l, Right: r, Source: ByReferrer})
			}
		}
		return
	}
	if p.Left.ReferrerCount() == 1 && p.Right.ReferrerCount() == 1 {
		m.schedule(Pair{Left: p.Left.Referrers()[0].Block, Right: p.Right.Referrers()[0].Block,
			Source: ByReferrer})
	}
}

// uniqueReferrers maps each destination offset within b to the only block referring to it there.
// Offsets referred to by several blocks map to nil.
func uniqueReferrers(b *blockgraph.Block) map[blockgraph.Offset]*blockgraph.Block {
	out := make(map[blockgraph.Offset]*blockgraph.Block)
	for _, r := range b.Referrers() {
		ref, _ := r.Block.Reference(r.Offset)
		if prev, ok := out[ref.Offset]; ok && prev != r.Block {
			out[ref.Offset] = nil
			continue
		}
		out[ref.Offset] = r.Block
	}
	return out
}

// readable returns a printable name for diagnostics.
func readable(b *blockgraph.Block) string {
	return demangle.Filter(b.Name())
}
