// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package addrspace // import "github.com/syzygy-go/syzygy/core/addrspace"

import (
	"iter"
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// Entry is a range stored in an AddressSpace together with its value.
type Entry[A constraints.Unsigned, V any] struct {
	Range Range[A]
	Value V
}

// AddressSpace maps disjoint ranges to values. Entries are kept sorted by start address, so
// iteration is in increasing address order.
type AddressSpace[A constraints.Unsigned, V any] struct {
	entries []Entry[A, V]
}

// New creates an empty address space.
func New[A constraints.Unsigned, V any]() *AddressSpace[A, V] {
	return &AddressSpace[A, V]{}
}

// lowerBound returns the index of the first entry ending after addr. Since the stored ranges are
// disjoint and sorted, this is the only candidate that can contain addr.
func (as *AddressSpace[A, V]) lowerBound(addr A) int {
	return sort.Search(len(as.entries), func(i int) bool {
		return as.entries[i].Range.End() > addr
	})
}

// Len returns the number of stored ranges.
func (as *AddressSpace[A, V]) Len() int {
	return len(as.entries)
}

// Clear removes all entries.
func (as *AddressSpace[A, V]) Clear() {
	as.entries = nil
}

// Entries returns a copy of the stored entries in address order.
func (as *AddressSpace[A, V]) Entries() []Entry[A, V] {
	return slices.Clone(as.entries)
}

// All iterates over the stored entries in address order. The address space must not be modified
// during iteration.
func (as *AddressSpace[A, V]) All() iter.Seq2[Range[A], V] {
	return func(yield func(Range[A], V) bool) {
		for _, e := range as.entries {
			if !yield(e.Range, e.Value) {
				return
			}
		}
	}
}

// Insert stores r with value v. It returns false and leaves the address space unchanged if r is
// empty or intersects an existing range.
func (as *AddressSpace[A, V]) Insert(r Range[A], v V) bool {
	if r.IsEmpty() {
		return false
	}
	i := as.lowerBound(r.start)
	if i < len(as.entries) && as.entries[i].Range.Intersects(r) {
		return false
	}
	as.entries = slices.Insert(as.entries, i, Entry[A, V]{Range: r, Value: v})
	return true
}

// SubsumeInsert behaves like Insert, except that a range fully contained by an existing entry is
// accepted without being stored. Partial overlaps still fail.
func (as *AddressSpace[A, V]) SubsumeInsert(r Range[A], v V) bool {
	if r.IsEmpty() {
		return false
	}
	i := as.lowerBound(r.start)
	if i < len(as.entries) && as.entries[i].Range.Intersects(r) {
		return as.entries[i].Range.ContainsRange(r)
	}
	as.entries = slices.Insert(as.entries, i, Entry[A, V]{Range: r, Value: v})
	return true
}

// MergeInsert replaces r and every stored range intersecting it by a single entry spanning their
// union, carrying value v. The resulting range is returned.
func (as *AddressSpace[A, V]) MergeInsert(r Range[A], v V) (Range[A], bool) {
	if r.IsEmpty() {
		return Range[A]{}, false
	}
	i := as.lowerBound(r.start)
	j := i
	start, end := r.start, r.End()
	for j < len(as.entries) && as.entries[j].Range.Intersects(r) {
		start = min(start, as.entries[j].Range.start)
		end = max(end, as.entries[j].Range.End())
		j++
	}
	merged := Span(start, end)
	as.entries = slices.Replace(as.entries, i, j, Entry[A, V]{Range: merged, Value: v})
	return merged, true
}

// Remove deletes the entry stored for exactly r.
func (as *AddressSpace[A, V]) Remove(r Range[A]) bool {
	i := as.lowerBound(r.start)
	if i >= len(as.entries) || as.entries[i].Range != r {
		return false
	}
	as.entries = slices.Delete(as.entries, i, i+1)
	return true
}

// RemoveIntersecting deletes and returns every entry intersecting r.
func (as *AddressSpace[A, V]) RemoveIntersecting(r Range[A]) []Entry[A, V] {
	i, j := as.intersecting(r)
	if i == j {
		return nil
	}
	removed := slices.Clone(as.entries[i:j])
	as.entries = slices.Delete(as.entries, i, j)
	return removed
}

func (as *AddressSpace[A, V]) intersecting(r Range[A]) (int, int) {
	if r.IsEmpty() {
		return 0, 0
	}
	i := as.lowerBound(r.start)
	j := i
	for j < len(as.entries) && as.entries[j].Range.start < r.End() {
		j++
	}
	return i, j
}

// FindFirstIntersection returns the index of the lowest entry intersecting r.
func (as *AddressSpace[A, V]) FindFirstIntersection(r Range[A]) (int, bool) {
	i, j := as.intersecting(r)
	return i, i != j
}

// FindIntersecting returns the entries intersecting r in address order.
func (as *AddressSpace[A, V]) FindIntersecting(r Range[A]) []Entry[A, V] {
	i, j := as.intersecting(r)
	return slices.Clone(as.entries[i:j])
}

// FindContaining returns the entry whose range contains all of r.
func (as *AddressSpace[A, V]) FindContaining(r Range[A]) (Entry[A, V], bool) {
	if r.IsEmpty() {
		return Entry[A, V]{}, false
	}
	i := as.lowerBound(r.start)
	if i < len(as.entries) && as.entries[i].Range.ContainsRange(r) {
		return as.entries[i], true
	}
	return Entry[A, V]{}, false
}

// FindAddress returns the entry containing the single address addr.
func (as *AddressSpace[A, V]) FindAddress(addr A) (Entry[A, V], bool) {
	return as.FindContaining(NewRange(addr, 1))
}

// Intersects returns true if any stored range intersects r.
func (as *AddressSpace[A, V]) Intersects(r Range[A]) bool {
	_, ok := as.FindFirstIntersection(r)
	return ok
}

// ContainsExactly returns true if r itself is stored.
func (as *AddressSpace[A, V]) ContainsExactly(r Range[A]) bool {
	i := as.lowerBound(r.start)
	return i < len(as.entries) && as.entries[i].Range == r
}
