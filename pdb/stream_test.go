// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteStreamRead(t *testing.T) {
	tests := map[string]struct {
		data    []byte
		seek    uint32
		read    int
		wantN   int
		wantErr error
		left    uint32
	}{
		"full read": {
			data: []byte{1, 2, 3, 4}, read: 4, wantN: 4, left: 0,
		},
		"empty read": {
			data: []byte{1, 2}, read: 0, wantN: 0, left: 2,
		},
		"at end": {
			data: []byte{1, 2}, seek: 2, read: 1, wantN: 0, wantErr: io.EOF,
		},
		"partial": {
			data: []byte{1, 2, 3}, seek: 1, read: 4, wantN: 2, wantErr: io.ErrUnexpectedEOF,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewByteStream(tc.data)
			require.NoError(t, s.Seek(tc.seek))
			buf := make([]byte, tc.read)
			n, err := s.ReadBytes(buf)
			assert.Equal(t, tc.wantN, n)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.left, s.BytesLeft())
			assert.Equal(t, tc.data[tc.seek:int(tc.seek)+n], buf)
		})
	}
}

func TestStreamSeek(t *testing.T) {
	s := NewByteStream(make([]byte, 8))
	require.NoError(t, s.Seek(8))
	assert.Equal(t, uint32(0), s.BytesLeft())
	require.ErrorIs(t, s.Seek(9), ErrSeekOutOfRange)
	assert.Equal(t, uint32(8), s.Pos())
}

func TestReadValues(t *testing.T) {
	s := NewByteStream([]byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0})
	v, err := ReadValues[uint32](s, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, v)

	_, err = ReadValue[uint32](s)
	require.ErrorIs(t, err, ErrShortStream)
	// A failed typed read does not consume anything.
	assert.Equal(t, uint32(8), s.Pos())

	u, err := ReadValue[uint16](s)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), u)

	none, err := ReadValues[uint32](s, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReadString(t *testing.T) {
	s := NewByteStream([]byte("foo\x00bar"))
	str, err := ReadString(s)
	require.NoError(t, err)
	assert.Equal(t, "foo", str)
	assert.Equal(t, uint32(4), s.Pos())

	_, err = ReadString(s)
	require.ErrorIs(t, err, ErrShortStream)
}

func TestWritableStream(t *testing.T) {
	s := NewByteStream([]byte{1, 2, 3})
	w := s.Writer()
	require.NoError(t, w.Seek(2))
	require.NoError(t, w.WriteValue(uint32(0x07060504)))
	require.NoError(t, w.WriteString("ab"))

	assert.Equal(t, uint32(9), s.Length())
	assert.Equal(t, []byte{1, 2, 4, 5, 6, 7, 'a', 'b', 0}, s.Bytes())
	require.ErrorIs(t, w.Seek(10), ErrSeekOutOfRange)

	require.NoError(t, s.Seek(6))
	str, err := ReadString(s)
	require.NoError(t, err)
	assert.Equal(t, "ab", str)
}
