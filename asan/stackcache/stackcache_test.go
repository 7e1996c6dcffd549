// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/config"
)

func newCache(t *testing.T, options string) *Cache {
	t.Helper()
	p, err := config.Parse(options)
	require.NoError(t, err)
	return New(p)
}

func TestSaveIsIdempotent(t *testing.T) {
	c := newCache(t, "")
	frames := []uintptr{0x401000, 0x401100, 0x402000}
	a := c.Save(frames)
	b := c.Save([]uintptr{0x401000, 0x401100, 0x402000})
	require.Same(t, a, b)
	assert.Equal(t, 3, a.NumFrames())
	assert.Equal(t, frames, a.Frames())
	assert.Equal(t, Fingerprint(frames), a.ID())

	other := c.Save([]uintptr{0x401000})
	assert.NotSame(t, a, other)
	assert.NotEqual(t, a.ID(), other.ID())

	got, ok := c.Lookup(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	s := c.Stats()
	assert.Equal(t, Stats{Pages: 1, Unique: 2, Total: 3}, s)
	assert.InDelta(t, 1.0/3, s.Compression(), 1e-9)
}

func TestSaveTrimsFrames(t *testing.T) {
	tests := map[string]struct {
		options string
		frames  []uintptr
		want    []uintptr
	}{
		"max frames": {
			options: "--max-num-frames=2",
			frames:  []uintptr{1, 2, 3, 4},
			want:    []uintptr{1, 2},
		},
		"bottom frames": {
			options: "--bottom-frames-to-skip=1",
			frames:  []uintptr{1, 2, 3},
			want:    []uintptr{1, 2},
		},
		"skip everything": {
			options: "--bottom-frames-to-skip=5",
			frames:  []uintptr{1, 2, 3},
			want:    []uintptr{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := newCache(t, tc.options)
			assert.Equal(t, tc.want, c.Save(tc.frames).Frames())
		})
	}
}

func TestPointerStability(t *testing.T) {
	c := newCache(t, "--reporting-period=100")
	first := c.Save([]uintptr{0xdead})
	var all []*StackCapture
	for i := range 3*capturesPerPage + 1 {
		all = append(all, c.Save([]uintptr{uintptr(i), 0xbeef}))
	}
	assert.Equal(t, 4, c.Stats().Pages)
	assert.Equal(t, []uintptr{0xdead}, first.Frames())
	for i, s := range all {
		assert.Equal(t, []uintptr{uintptr(i), 0xbeef}, s.Frames())
	}
}

//go:noinline
func captureHere(c *Cache) *StackCapture {
	return c.Capture(0)
}

func TestCapture(t *testing.T) {
	c := newCache(t, "")
	var s1, s2 *StackCapture
	for i := range 2 {
		s := captureHere(c)
		if i == 0 {
			s1 = s
		} else {
			s2 = s
		}
	}
	require.Same(t, s1, s2)
	assert.Positive(t, s1.NumFrames())

	s3 := captureHere(c)
	assert.NotSame(t, s1, s3, "captured from another call site")
}

func TestConcurrentSave(t *testing.T) {
	c := newCache(t, "")
	var wg sync.WaitGroup
	results := make([]*StackCapture, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Save([]uintptr{1, 2, 3})
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	c.CollectMetrics()
	assert.Equal(t, uint64(16), c.Stats().Total)
}
