// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package winheap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/config"
)

func newAdapter(t *testing.T, options string) (*Adapter, vmem.Provider) {
	t.Helper()
	params, err := config.Parse(options)
	require.NoError(t, err)
	p, err := vmem.NewSimulated(vmem.DefaultSimulatedBase, 4096)
	require.NoError(t, err)
	m, err := heap.NewManager(heap.Options{
		Params:   params,
		Provider: p,
		Shadow:   shadow.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return New(m), p
}

func fill(t *testing.T, p vmem.Provider, addr uintptr, n int, v byte) {
	t.Helper()
	b, err := p.Bytes(addr, uintptr(n), true)
	require.NoError(t, err)
	copy(b, bytes.Repeat([]byte{v}, n))
}

func read(t *testing.T, p vmem.Provider, addr uintptr, n int) []byte {
	t.Helper()
	b, err := p.Bytes(addr, uintptr(n), false)
	require.NoError(t, err)
	return append([]byte{}, b...)
}

func TestHeapAllocZeroMemory(t *testing.T) {
	a, p := newAdapter(t, "--quarantine-size=0")
	h := a.GetProcessHeap()

	first := a.HeapAlloc(h, 0, 64)
	require.NotZero(t, first)
	fill(t, p, first, 64, 0xcc)
	require.True(t, a.HeapFree(h, 0, first))
	stale := a.HeapAlloc(h, 0, 64)
	require.Equal(t, first, stale)
	assert.Equal(t, bytes.Repeat([]byte{0xcc}, 64), read(t, p, stale, 64))
	require.True(t, a.HeapFree(h, 0, stale))

	ptr := a.HeapAlloc(h, ZeroMemory, 64)
	require.Equal(t, first, ptr)
	assert.Equal(t, make([]byte, 64), read(t, p, ptr, 64))
	assert.Equal(t, uintptr(64), a.HeapSize(h, 0, ptr))
}

func TestHeapReAlloc(t *testing.T) {
	tests := map[string]struct {
		oldSize, newSize uintptr
		flags            uint32
	}{
		"grow":      {oldSize: 16, newSize: 100},
		"shrink":    {oldSize: 100, newSize: 10},
		"same":      {oldSize: 32, newSize: 32},
		"grow zero": {oldSize: 8, newSize: 40, flags: ZeroMemory},
		"to empty":  {oldSize: 8, newSize: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a, p := newAdapter(t, "")
			h := a.GetProcessHeap()
			old := a.HeapAlloc(h, 0, tc.oldSize)
			require.NotZero(t, old)
			fill(t, p, old, int(tc.oldSize), 0x5a)

			ptr := a.HeapReAlloc(h, tc.flags, old, tc.newSize)
			require.NotZero(t, ptr)
			assert.NotEqual(t, old, ptr)
			assert.Equal(t, tc.newSize, a.HeapSize(h, 0, ptr))
			keep := int(min(tc.oldSize, tc.newSize))
			assert.Equal(t, bytes.Repeat([]byte{0x5a}, keep), read(t, p, ptr, keep))
			if tc.flags&ZeroMemory != 0 {
				tail := int(tc.newSize) - keep
				assert.Equal(t, make([]byte, tail), read(t, p, ptr+uintptr(keep), tail))
			}
			assert.Equal(t, SizeFailure, a.HeapSize(h, 0, old))
			assert.False(t, a.HeapFree(h, 0, old))
		})
	}
}

func TestHeapReAllocFailures(t *testing.T) {
	a, _ := newAdapter(t, "")
	h := a.GetProcessHeap()
	ptr := a.HeapAlloc(h, 0, 16)
	require.NotZero(t, ptr)

	assert.Zero(t, a.HeapReAlloc(h, ReallocInPlaceOnly, ptr, 8))
	assert.Equal(t, uintptr(16), a.HeapSize(h, 0, ptr), "in place failure keeps the block")
	assert.Zero(t, a.HeapReAlloc(h, 0, 0, 8))
	assert.Zero(t, a.HeapReAlloc(h, 0, ptr+8, 8))
	assert.Zero(t, a.HeapReAlloc(Handle(77), 0, ptr, 8))
}

func TestHeapLifecycle(t *testing.T) {
	a, _ := newAdapter(t, "")
	h := a.HeapCreate(0, 0, 0)
	require.NotZero(t, h)
	require.NotEqual(t, a.GetProcessHeap(), h)

	ptr := a.HeapAlloc(h, 0, 24)
	require.NotZero(t, ptr)
	assert.False(t, a.HeapFree(a.GetProcessHeap(), 0, ptr))
	assert.True(t, a.HeapFree(h, 0, 0))

	locked, ok := a.HeapLock(h)
	require.True(t, ok)
	second := locked.HeapAlloc(ZeroMemory, 8)
	require.NotZero(t, second)
	assert.Equal(t, uintptr(8), locked.HeapSize(0, second))
	grown := locked.HeapReAlloc(0, second, 16)
	require.NotZero(t, grown)
	assert.True(t, locked.HeapFree(0, grown))
	assert.True(t, locked.HeapUnlock())

	assert.True(t, a.HeapValidate(h, 0, ptr))
	assert.Zero(t, a.HeapCompact(h, 0))
	assert.False(t, a.HeapWalk(h))
	assert.True(t, a.HeapSetInformation(h, 0, nil))
	_, ok = a.HeapQueryInformation(h, 0, nil)
	assert.False(t, ok)

	assert.True(t, a.HeapDestroy(h))
	assert.False(t, a.HeapDestroy(h))
	assert.Zero(t, a.HeapAlloc(h, 0, 8))
	_, ok = a.HeapLock(h)
	assert.False(t, ok)
	assert.False(t, a.HeapDestroy(a.GetProcessHeap()))
}
