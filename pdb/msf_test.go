// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/testsupport"
)

func writeTemp(t *testing.T, f *File) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdb")
	require.NoError(t, WriteFile(path, f))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return path, data
}

func openTemp(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMSFRoundTrip(t *testing.T) {
	tests := map[string]struct {
		lengths []int
	}{
		"stream lengths 0, 1024, 1025": {lengths: []int{0, 1024, 1025}},
		"empty":                        {},
		"nil stream":                   {lengths: []int{-1, 10, -1}},
		"crosses a free page map":      {lengths: []int{1024 * 1030, 7}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := NewFile()
			var contents [][]byte
			for i, n := range tc.lengths {
				if n < 0 {
					f.AppendStream(nil)
					contents = append(contents, nil)
					continue
				}
				data := testsupport.GenerateTestInputFile(uint8(13+i), uint(n))
				f.AppendStream(NewByteStream(data))
				contents = append(contents, data)
			}

			path, written := writeTemp(t, f)
			require.Zero(t, len(written)%DefaultPageSize)

			back := openTemp(t, path)
			require.Equal(t, len(tc.lengths), back.StreamCount())
			for i, want := range contents {
				s := back.Stream(i)
				if want == nil {
					assert.Nil(t, s)
					continue
				}
				require.NotNil(t, s)
				assert.Equal(t, uint32(len(want)), s.Length())
				got, err := ReadAll(s)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(want, got), "stream %d", i)
			}

			_, rewritten := writeTemp(t, back)
			assert.True(t, bytes.Equal(written, rewritten))
		})
	}
}

func TestMSFLayout(t *testing.T) {
	f := NewFile()
	f.AppendStream(NewByteStream(make([]byte, 1025)))
	_, data := writeTemp(t, f)

	assert.Equal(t, Magic, string(data[:32]))
	assert.Equal(t, uint32(DefaultPageSize), binary.LittleEndian.Uint32(data[32:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[36:]))
	numPages := binary.LittleEndian.Uint32(data[40:])
	assert.Equal(t, uint32(len(data)/DefaultPageSize), numPages)
	// One stream: count, length and two page indices.
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(data[44:]))

	fpm := data[DefaultPageSize : 2*DefaultPageSize]
	assert.Zero(t, fpm[0]&1, "page 0 is in use")
	last := numPages - 1
	assert.Zero(t, fpm[last/8]&(1<<(last%8)))
	assert.NotZero(t, fpm[numPages/8]&(1<<(numPages%8)), "pages past the end are free")
	assert.Equal(t, fpm, data[2*DefaultPageSize:3*DefaultPageSize])

	// The stream data starts right after the free page maps.
	back, err := Read(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	fs, ok := back.Stream(0).(*FileStream)
	require.True(t, ok)
	assert.Equal(t, []uint32{3, 4}, fs.Pages())
}

func TestMSFReadErrors(t *testing.T) {
	f := NewFile()
	f.AppendStream(NewByteStream([]byte("hello")))
	_, good := writeTemp(t, f)

	tests := map[string]struct {
		mutate func([]byte) []byte
		kind   ErrKind
		err    error
	}{
		"bad magic": {
			mutate: func(b []byte) []byte { b[0] = 'm'; return b },
			kind:   ErrKindFormat,
			err:    ErrBadMagic,
		},
		"truncated": {
			mutate: func(b []byte) []byte { return b[:len(b)-DefaultPageSize] },
			kind:   ErrKindFormat,
			err:    ErrSizeMismatch,
		},
		"not a page multiple": {
			mutate: func(b []byte) []byte { return append(b, 0) },
			kind:   ErrKindFormat,
			err:    ErrSizeMismatch,
		},
		"bad page size": {
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[32:], 1000)
				return b
			},
			kind: ErrKindFormat,
			err:  ErrBadPageSize,
		},
		"root page out of range": {
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[52:], 1000)
				return b
			},
			kind: ErrKindDirectory,
			err:  ErrPageOutOfRange,
		},
		"tiny": {
			mutate: func(b []byte) []byte { return b[:16] },
			kind:   ErrKindFormat,
			err:    ErrSizeMismatch,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			data := tc.mutate(bytes.Clone(good))
			_, err := Read(bytes.NewReader(data), int64(len(data)))
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestFileStreams(t *testing.T) {
	f := NewFile()
	assert.Equal(t, 0, f.AppendStream(nil))
	assert.Equal(t, 1, f.AppendStream(NewByteStream([]byte{1})))
	require.NoError(t, f.ReplaceStream(0, NewByteStream([]byte{2})))
	require.NoError(t, f.ReplaceStream(2, NewByteStream([]byte{3})))
	require.Error(t, f.ReplaceStream(4, nil))
	assert.Equal(t, 3, f.StreamCount())
	assert.Nil(t, f.Stream(3))
	assert.Nil(t, f.Stream(-1))
	require.NoError(t, f.Close())
}
