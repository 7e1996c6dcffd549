// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package addrspace implements half-open address ranges, an ordered store of disjoint ranges
// mapping to values and a filter of marked ranges inside a fixed extent.
package addrspace // import "github.com/syzygy-go/syzygy/core/addrspace"

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Range is the half-open interval [start, start+size). A zero sized range is empty and is never
// stored by AddressSpace or AddressFilter.
type Range[A constraints.Unsigned] struct {
	start A
	size  A
}

// NewRange creates the range [start, start+size).
func NewRange[A constraints.Unsigned](start, size A) Range[A] {
	return Range[A]{start: start, size: size}
}

// Span creates the range [start, end). An inverted span is empty.
func Span[A constraints.Unsigned](start, end A) Range[A] {
	if end <= start {
		return Range[A]{start: start}
	}
	return Range[A]{start: start, size: end - start}
}

func (r Range[A]) Start() A { return r.start }
func (r Range[A]) Size() A  { return r.size }
func (r Range[A]) End() A   { return r.start + r.size }

// IsEmpty returns true for zero sized ranges.
func (r Range[A]) IsEmpty() bool {
	return r.size == 0
}

// Contains returns true if addr lies inside the range.
func (r Range[A]) Contains(addr A) bool {
	return addr >= r.start && addr-r.start < r.size
}

// ContainsRange returns true if other is a non-empty sub-range of r.
func (r Range[A]) ContainsRange(other Range[A]) bool {
	if other.IsEmpty() {
		return false
	}
	return other.start >= r.start && other.End() <= r.End()
}

// Intersects returns true if the ranges share at least one address.
func (r Range[A]) Intersects(other Range[A]) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	return other.start < r.End() && r.start < other.End()
}

// Less orders ranges by disjointness: r is less than other if it ends at or before the start of
// other. Two intersecting ranges are neither less nor greater than each other.
func (r Range[A]) Less(other Range[A]) bool {
	return r.End() <= other.start
}

// Intersect returns the common part of both ranges.
func (r Range[A]) Intersect(other Range[A]) (Range[A], bool) {
	if !r.Intersects(other) {
		return Range[A]{}, false
	}
	return Span(max(r.start, other.start), min(r.End(), other.End())), true
}

// Offset returns the range shifted up by delta.
func (r Range[A]) Offset(delta A) Range[A] {
	return Range[A]{start: r.start + delta, size: r.size}
}

func (r Range[A]) String() string {
	return fmt.Sprintf("[0x%X, 0x%X)", uint64(r.start), uint64(r.End()))
}
