// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package addrspace // import "github.com/syzygy-go/syzygy/core/addrspace"

import (
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// AddressFilter is a set of marked addresses inside a fixed extent, stored as disjoint ranges.
// Neighbouring ranges are always coalesced, so for any two stored ranges a and b with a before b,
// a.End() < b.Start() holds strictly. Everything outside the extent is ignored.
type AddressFilter[A constraints.Unsigned] struct {
	extent Range[A]
	marked []Range[A]
}

// NewFilter creates an empty filter covering extent.
func NewFilter[A constraints.Unsigned](extent Range[A]) *AddressFilter[A] {
	return &AddressFilter[A]{extent: extent}
}

// Extent returns the range the filter operates in.
func (f *AddressFilter[A]) Extent() Range[A] {
	return f.extent
}

// Len returns the number of disjoint marked ranges.
func (f *AddressFilter[A]) Len() int {
	return len(f.marked)
}

// IsEmpty returns true if nothing is marked.
func (f *AddressFilter[A]) IsEmpty() bool {
	return len(f.marked) == 0
}

// Ranges returns a copy of the marked ranges in address order.
func (f *AddressFilter[A]) Ranges() []Range[A] {
	return slices.Clone(f.marked)
}

// Clear unmarks everything.
func (f *AddressFilter[A]) Clear() {
	f.marked = nil
}

// Equal returns true if both filters share the extent and mark the same addresses.
func (f *AddressFilter[A]) Equal(other *AddressFilter[A]) bool {
	return f.extent == other.extent && slices.Equal(f.marked, other.marked)
}

// firstEndingAfter returns the index of the first marked range whose end is above addr.
func (f *AddressFilter[A]) firstEndingAfter(addr A) int {
	return sort.Search(len(f.marked), func(i int) bool {
		return f.marked[i].End() > addr
	})
}

// Mark adds r to the marked set, merging it with every range it overlaps or touches.
func (f *AddressFilter[A]) Mark(r Range[A]) {
	r, ok := f.extent.Intersect(r)
	if !ok {
		return
	}
	// A predecessor ending exactly at r.start touches r and is absorbed as well.
	i := sort.Search(len(f.marked), func(i int) bool {
		return f.marked[i].End() >= r.start
	})
	j := i
	start, end := r.start, r.End()
	for j < len(f.marked) && f.marked[j].start <= end {
		start = min(start, f.marked[j].start)
		end = max(end, f.marked[j].End())
		j++
	}
	f.marked = slices.Replace(f.marked, i, j, Span(start, end))
}

// Unmark removes r from the marked set, splitting partially covered ranges.
func (f *AddressFilter[A]) Unmark(r Range[A]) {
	r, ok := f.extent.Intersect(r)
	if !ok {
		return
	}
	i := f.firstEndingAfter(r.start)
	j := i
	for j < len(f.marked) && f.marked[j].start < r.End() {
		j++
	}
	if i == j {
		return
	}
	survivors := make([]Range[A], 0, 2)
	if left := Span(f.marked[i].start, r.start); !left.IsEmpty() {
		survivors = append(survivors, left)
	}
	if right := Span(r.End(), f.marked[j-1].End()); !right.IsEmpty() {
		survivors = append(survivors, right)
	}
	f.marked = slices.Replace(f.marked, i, j, survivors...)
}

// IsMarked returns true if r is entirely marked.
func (f *AddressFilter[A]) IsMarked(r Range[A]) bool {
	if r.IsEmpty() {
		return false
	}
	i := f.firstEndingAfter(r.start)
	return i < len(f.marked) && f.marked[i].ContainsRange(r)
}

// IsUnmarked returns true if no address of r is marked.
func (f *AddressFilter[A]) IsUnmarked(r Range[A]) bool {
	i := f.firstEndingAfter(r.start)
	return i >= len(f.marked) || !f.marked[i].Intersects(r)
}

// Invert returns a filter marking exactly the unmarked part of the extent.
func (f *AddressFilter[A]) Invert() *AddressFilter[A] {
	out := NewFilter(f.extent)
	cursor := f.extent.start
	for _, r := range f.marked {
		if gap := Span(cursor, r.start); !gap.IsEmpty() {
			out.marked = append(out.marked, gap)
		}
		cursor = r.End()
	}
	if tail := Span(cursor, f.extent.End()); !tail.IsEmpty() {
		out.marked = append(out.marked, tail)
	}
	return out
}

// Intersect returns a filter, over the receiver's extent, marking addresses marked in both.
func (f *AddressFilter[A]) Intersect(other *AddressFilter[A]) *AddressFilter[A] {
	out := NewFilter(f.extent)
	i, j := 0, 0
	for i < len(f.marked) && j < len(other.marked) {
		a, b := f.marked[i], other.marked[j]
		if common, ok := a.Intersect(b); ok {
			if clipped, ok := f.extent.Intersect(common); ok {
				out.marked = append(out.marked, clipped)
			}
		}
		// Advance whichever range ends first; the other may still overlap the next one.
		if a.End() <= b.End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// Union returns a filter, over the receiver's extent, marking addresses marked in either.
func (f *AddressFilter[A]) Union(other *AddressFilter[A]) *AddressFilter[A] {
	out := NewFilter(f.extent)
	out.marked = slices.Clone(f.marked)
	for _, r := range other.marked {
		out.Mark(r)
	}
	return out
}

// Subtract returns a filter marking the addresses marked in f but not in other.
func (f *AddressFilter[A]) Subtract(other *AddressFilter[A]) *AddressFilter[A] {
	return f.Intersect(other.Invert())
}
