// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package basehash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash128Strings(t *testing.T) {
	h := New128(0x0123456789abcdef, 0xfedcba9876543210)
	assert.Equal(t, "0123456789abcdeffedcba9876543210", h.String())
	assert.Equal(t, "01234567-89ab-cdef-fedc-ba9876543210", h.ToUUIDString())

	parsed, err := New128FromString(h.ToUUIDString())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	parsed, err = New128FromString("0x" + h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.False(t, parsed.IsZero())
	assert.True(t, Hash128{}.IsZero())

	for _, bad := range []string{"abc", "0123456789abcdeffedcba987654321g", "0123-4567-89ab-cdef-x"} {
		_, err = New128FromString(bad)
		require.Error(t, err, bad)
	}
}

func TestHash128Bytes(t *testing.T) {
	h := New128(1, 2)
	parsed, err := New128FromBytes(h.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = New128FromBytes([]byte{1})
	require.Error(t, err)
}

func TestHash128Compare(t *testing.T) {
	tests := map[string]struct {
		a, b   Hash128
		expect int
	}{
		"equal":     {a: New128(1, 1), b: New128(1, 1), expect: 0},
		"hi less":   {a: New128(0, 9), b: New128(1, 0), expect: -1},
		"lo bigger": {a: New128(1, 2), b: New128(1, 1), expect: 1},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expect, test.a.Compare(test.b))
		})
	}
}

func TestHash128JSONKey(t *testing.T) {
	m := map[Hash128]int{New128(3, 4): 1}
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var back map[Hash128]int
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, m, back)
}
