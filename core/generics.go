// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package core // import "github.com/syzygy-go/syzygy/core"

import (
	"cmp"
	"slices"
)

// Set is a convenience alias for a map with a `Void` key.
type Set[T comparable] map[T]Void

// Add inserts item into the set and reports whether it was not present before.
func (s Set[T]) Add(item T) bool {
	if _, ok := s[item]; ok {
		return false
	}
	s[item] = Void{}
	return true
}

// Has reports whether item is part of the set.
func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// SortedKeys returns the keys of a map in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
