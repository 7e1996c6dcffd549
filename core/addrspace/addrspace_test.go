// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package addrspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangePredicates(t *testing.T) {
	r := NewRange[uint32](10, 10)
	assert.Equal(t, uint32(20), r.End())
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(19))
	assert.False(t, r.Contains(20))
	assert.False(t, r.Contains(9))

	assert.True(t, r.ContainsRange(NewRange[uint32](12, 8)))
	assert.False(t, r.ContainsRange(NewRange[uint32](12, 9)))
	assert.False(t, r.ContainsRange(NewRange[uint32](12, 0)))

	assert.True(t, r.Intersects(NewRange[uint32](19, 5)))
	assert.False(t, r.Intersects(NewRange[uint32](20, 5)))
	assert.True(t, r.Less(NewRange[uint32](20, 5)))
	assert.False(t, r.Less(NewRange[uint32](19, 5)))

	common, ok := r.Intersect(NewRange[uint32](15, 100))
	require.True(t, ok)
	assert.Equal(t, Span[uint32](15, 20), common)

	assert.Equal(t, "[0xA, 0x14)", r.String())
	assert.True(t, Span[uint32](5, 3).IsEmpty())
}

func TestAddressSpaceInsert(t *testing.T) {
	as := New[uint32, string]()
	require.True(t, as.Insert(NewRange[uint32](100, 10), "a"))
	require.True(t, as.Insert(NewRange[uint32](0, 10), "b"))
	require.True(t, as.Insert(NewRange[uint32](10, 90), "c"))

	assert.False(t, as.Insert(NewRange[uint32](105, 1), "overlap"))
	assert.False(t, as.Insert(NewRange[uint32](95, 10), "overlap"))
	assert.False(t, as.Insert(NewRange[uint32](200, 0), "empty"))

	var values []string
	for _, v := range as.All() {
		values = append(values, v)
	}
	assert.Equal(t, []string{"b", "c", "a"}, values)

	e, ok := as.FindAddress(50)
	require.True(t, ok)
	assert.Equal(t, "c", e.Value)
	_, ok = as.FindAddress(110)
	assert.False(t, ok)

	_, ok = as.FindContaining(NewRange[uint32](95, 10))
	assert.False(t, ok)

	assert.True(t, as.ContainsExactly(NewRange[uint32](10, 90)))
	assert.False(t, as.ContainsExactly(NewRange[uint32](10, 89)))

	found := as.FindIntersecting(NewRange[uint32](5, 100))
	require.Len(t, found, 3)
	assert.Equal(t, "b", found[0].Value)

	assert.True(t, as.Remove(NewRange[uint32](10, 90)))
	assert.False(t, as.Remove(NewRange[uint32](10, 90)))
	assert.False(t, as.Intersects(NewRange[uint32](10, 90)))
	assert.Equal(t, 2, as.Len())
}

func TestAddressSpaceSubsumeAndMerge(t *testing.T) {
	tests := map[string]struct {
		insert  Range[uint32]
		subsume bool
		merged  Range[uint32]
		entries int
	}{
		"contained": {
			insert:  NewRange[uint32](12, 3),
			subsume: true,
			merged:  Span[uint32](10, 20),
			entries: 2,
		},
		"disjoint": {
			insert:  NewRange[uint32](50, 5),
			subsume: true,
			merged:  Span[uint32](50, 55),
			entries: 3,
		},
		"bridging": {
			insert:  Span[uint32](15, 35),
			subsume: false,
			merged:  Span[uint32](10, 40),
			entries: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			build := func() *AddressSpace[uint32, int] {
				as := New[uint32, int]()
				require.True(t, as.Insert(Span[uint32](10, 20), 1))
				require.True(t, as.Insert(Span[uint32](30, 40), 2))
				return as
			}

			as := build()
			assert.Equal(t, test.subsume, as.SubsumeInsert(test.insert, 3))

			as = build()
			merged, ok := as.MergeInsert(test.insert, 3)
			require.True(t, ok)
			assert.Equal(t, test.merged, merged)
			assert.Equal(t, test.entries, as.Len())
			assert.True(t, as.ContainsExactly(merged))
		})
	}
}

func TestAddressSpaceRemoveIntersecting(t *testing.T) {
	as := New[uint64, int]()
	for i := range uint64(10) {
		require.True(t, as.Insert(NewRange(i*10, 5), int(i)))
	}
	removed := as.RemoveIntersecting(Span[uint64](23, 48))
	require.Len(t, removed, 3)
	assert.Equal(t, 2, removed[0].Value)
	assert.Equal(t, 4, removed[2].Value)
	assert.Equal(t, 7, as.Len())

	idx, ok := as.FindFirstIntersection(Span[uint64](0, 100))
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// Disjointness holds after every mutation.
	entries := as.Entries()
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].Range.Less(entries[i].Range))
	}
}
