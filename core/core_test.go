// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignment(t *testing.T) {
	tests := map[string]struct {
		value     uint32
		alignment uint32
		up        uint32
		down      uint32
	}{
		"aligned":       {value: 0x1000, alignment: 0x1000, up: 0x1000, down: 0x1000},
		"unaligned":     {value: 0x1001, alignment: 0x1000, up: 0x2000, down: 0x1000},
		"alignment one": {value: 7, alignment: 1, up: 7, down: 7},
		"zero":          {value: 0, alignment: 8, up: 0, down: 0},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.up, AlignUp(test.value, test.alignment))
			assert.Equal(t, test.down, AlignDown(test.value, test.alignment))
			assert.Equal(t, test.value == test.up, IsAligned(test.value, test.alignment))
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.False(t, IsPowerOfTwo(0))
	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(4096))
	assert.False(t, IsPowerOfTwo(24))
}

func TestSet(t *testing.T) {
	s := Set[int]{}
	assert.True(t, s.Add(3))
	assert.False(t, s.Add(3))
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(4))
	assert.Equal(t, []int{3}, s.ToSlice())
	assert.Equal(t, []string{"a", "b"}, SortedKeys(map[string]int{"b": 1, "a": 2}))
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "0x00001000", RelativeAddress(0x1000).String())
	assert.Equal(t, "0x00400000", AbsoluteAddress(0x400000).String())
}
