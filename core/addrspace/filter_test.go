// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package addrspace

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func span(start, end uint32) Range[uint32] {
	return Span(start, end)
}

func TestFilterMarkUnmark(t *testing.T) {
	tests := map[string]struct {
		mark   []Range[uint32]
		unmark []Range[uint32]
		expect []Range[uint32]
	}{
		"overlapping mark": {
			mark:   []Range[uint32]{span(50, 60), span(55, 65)},
			expect: []Range[uint32]{span(50, 65)},
		},
		"split unmark": {
			mark:   []Range[uint32]{span(50, 60)},
			unmark: []Range[uint32]{span(55, 58)},
			expect: []Range[uint32]{span(50, 55), span(58, 60)},
		},
		"touching ranges coalesce": {
			mark:   []Range[uint32]{span(10, 20), span(30, 40), span(20, 30)},
			expect: []Range[uint32]{span(10, 40)},
		},
		"bridging many": {
			mark:   []Range[uint32]{span(10, 12), span(14, 16), span(18, 20), span(11, 19)},
			expect: []Range[uint32]{span(10, 20)},
		},
		"clipped to extent": {
			mark:   []Range[uint32]{span(90, 150), span(200, 300)},
			expect: []Range[uint32]{span(90, 100)},
		},
		"unmark spanning several": {
			mark:   []Range[uint32]{span(0, 10), span(20, 30), span(40, 50)},
			unmark: []Range[uint32]{span(5, 45)},
			expect: []Range[uint32]{span(0, 5), span(45, 50)},
		},
		"unmark outside": {
			mark:   []Range[uint32]{span(0, 10)},
			unmark: []Range[uint32]{span(10, 20), span(100, 120)},
			expect: []Range[uint32]{span(0, 10)},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := NewFilter(span(0, 100))
			for _, r := range test.mark {
				f.Mark(r)
			}
			for _, r := range test.unmark {
				f.Unmark(r)
			}
			assert.Equal(t, test.expect, f.Ranges())
		})
	}
}

func TestFilterQueries(t *testing.T) {
	f := NewFilter(span(0, 100))
	f.Mark(span(50, 60))

	assert.True(t, f.IsMarked(span(50, 60)))
	assert.True(t, f.IsMarked(span(52, 53)))
	assert.False(t, f.IsMarked(span(49, 51)))
	assert.False(t, f.IsMarked(span(59, 61)))

	assert.True(t, f.IsUnmarked(span(0, 50)))
	assert.True(t, f.IsUnmarked(span(60, 100)))
	assert.False(t, f.IsUnmarked(span(59, 61)))
	assert.False(t, f.IsUnmarked(span(40, 70)))
}

// randomFilter marks a deterministic pseudo random set of ranges.
func randomFilter(r *rand.Rand, extent Range[uint32]) *AddressFilter[uint32] {
	f := NewFilter(extent)
	for range 20 {
		start := r.Uint32N(extent.End() + 10)
		f.Mark(NewRange(start, 1+r.Uint32N(15)))
		if r.IntN(3) == 0 {
			start = r.Uint32N(extent.End())
			f.Unmark(NewRange(start, 1+r.Uint32N(10)))
		}
	}
	return f
}

// bitmap expands a filter into one bool per address of the extent.
func bitmap(f *AddressFilter[uint32]) []bool {
	bits := make([]bool, f.Extent().End())
	for _, r := range f.Ranges() {
		for a := r.Start(); a < r.End(); a++ {
			bits[a] = true
		}
	}
	return bits
}

func TestFilterLaws(t *testing.T) {
	extent := span(0, 200)
	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec
	empty := NewFilter(extent)
	full := NewFilter(extent)
	full.Mark(extent)

	for range 100 {
		f := randomFilter(rng, extent)
		g := randomFilter(rng, extent)

		// Coalescing: stored ranges never touch.
		ranges := f.Ranges()
		for i := 1; i < len(ranges); i++ {
			require.Less(t, ranges[i-1].End(), ranges[i].Start())
		}

		assert.True(t, f.Invert().Invert().Equal(f))
		assert.True(t, f.Intersect(f.Invert()).Equal(empty))
		assert.True(t, f.Union(f.Invert()).Equal(full))
		assert.True(t, f.Subtract(f).Equal(empty))
		assert.True(t, f.Intersect(g).Equal(g.Intersect(f)))
		assert.True(t, f.Union(g).Equal(g.Union(f)))

		fb, gb := bitmap(f), bitmap(g)
		ib, ub, sb := bitmap(f.Intersect(g)), bitmap(f.Union(g)), bitmap(f.Subtract(g))
		for a := range fb {
			require.Equal(t, fb[a] && gb[a], ib[a])
			require.Equal(t, fb[a] || gb[a], ub[a])
			require.Equal(t, fb[a] && !gb[a], sb[a])
		}
	}
}

func TestFilterEmptyInputs(t *testing.T) {
	f := NewFilter(span(0, 10))
	assert.True(t, f.IsEmpty())
	assert.True(t, f.Intersect(NewFilter(span(0, 10))).IsEmpty())
	assert.Equal(t, []Range[uint32]{span(0, 10)}, f.Invert().Ranges())
	f.Unmark(span(0, 10))
	f.Mark(span(10, 20))
	assert.True(t, f.IsEmpty())
	f.Mark(span(2, 4))
	f.Clear()
	assert.Equal(t, 0, f.Len())
}
