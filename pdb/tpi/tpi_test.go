// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tpi

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/pdb"
)

type record struct {
	kind    LeafKind
	payload []byte
}

func buildStream(t *testing.T, records []record, typeMax uint32) *pdb.ByteStream {
	t.Helper()
	var data []byte
	for _, r := range records {
		data = binary.LittleEndian.AppendUint16(data, uint16(len(r.payload)+2))
		data = binary.LittleEndian.AppendUint16(data, uint16(r.kind))
		data = append(data, r.payload...)
	}
	h := Header{
		Version:         20040203,
		HeaderSize:      HeaderSize,
		TypeMin:         FirstTypeID,
		TypeMax:         typeMax,
		TypeRecordBytes: uint32(len(data)),
	}
	s := pdb.NewByteStream(nil)
	w := s.Writer()
	require.NoError(t, w.WriteValue(h))
	_, err := w.Write(data)
	require.NoError(t, err)
	return s
}

var testRecords = []record{
	{kind: LfArgList, payload: []byte{0, 0, 0, 0}},
	{kind: LfProcedure, payload: []byte{3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	{kind: LfPointer, payload: []byte{0x74, 0, 0, 0, 0x0a, 0x80, 0, 0}},
	{kind: LfModifier, payload: nil},
}

func TestEnumerateAll(t *testing.T) {
	s := buildStream(t, testRecords, FirstTypeID+uint32(len(testRecords)))
	e := NewEnumerator(s)
	require.NoError(t, e.Init())

	pos := uint32(HeaderSize)
	for i, r := range testRecords {
		require.NoError(t, e.Next())
		assert.Equal(t, uint32(FirstTypeID+i), e.ID())
		assert.Equal(t, r.kind, e.Kind())
		assert.Equal(t, uint32(len(r.payload)), e.Len())
		assert.Equal(t, pos+4, e.Start())
		payload, err := e.Payload()
		require.NoError(t, err)
		assert.Equal(t, len(r.payload), len(payload))
		pos += 4 + uint32(len(r.payload))
	}
	require.ErrorIs(t, e.Next(), io.EOF)
	assert.True(t, e.AtEnd())
	h := e.Header()
	assert.Equal(t, int(h.TypeMax-h.TypeMin), e.Visited())
	require.ErrorIs(t, e.Next(), io.EOF)

	require.NoError(t, e.Reset())
	assert.False(t, e.AtEnd())
	require.NoError(t, e.Next())
	assert.Equal(t, uint32(FirstTypeID), e.ID())
}

func TestSeekRecord(t *testing.T) {
	s := buildStream(t, testRecords, FirstTypeID+uint32(len(testRecords)))
	e := NewEnumerator(s)
	require.ErrorIs(t, e.SeekRecord(FirstTypeID), ErrNotInitialized)
	require.NoError(t, e.Init())

	require.NoError(t, e.SeekRecord(FirstTypeID+2))
	assert.Equal(t, LfPointer, e.Kind())
	assert.Equal(t, 3, e.Visited())

	require.NoError(t, e.SeekRecord(FirstTypeID))
	assert.Equal(t, LfArgList, e.Kind())
	assert.Equal(t, 3, e.Visited())

	require.NoError(t, e.SeekRecord(FirstTypeID+3))
	assert.Equal(t, LfModifier, e.Kind())
	assert.Equal(t, uint32(0), e.Len())
	assert.Equal(t, 4, e.Visited())

	// Walking on from a sought record continues with the following id.
	require.NoError(t, e.SeekRecord(FirstTypeID+1))
	require.NoError(t, e.Next())
	assert.Equal(t, uint32(FirstTypeID+2), e.ID())

	require.ErrorIs(t, e.SeekRecord(FirstTypeID+4), ErrUnknownType)
	require.ErrorIs(t, e.SeekRecord(FirstTypeID-1), ErrUnknownType)
}

func TestEnumeratorErrors(t *testing.T) {
	tests := map[string]struct {
		stream func(t *testing.T) *pdb.ByteStream
		err    error
	}{
		"fewer records than types": {
			stream: func(t *testing.T) *pdb.ByteStream {
				return buildStream(t, testRecords[:2], FirstTypeID+3)
			},
			err: ErrTruncated,
		},
		"more records than types": {
			stream: func(t *testing.T) *pdb.ByteStream {
				return buildStream(t, testRecords, FirstTypeID+2)
			},
			err: ErrBadRecord,
		},
		"record overruns the data": {
			stream: func(t *testing.T) *pdb.ByteStream {
				s := buildStream(t, testRecords[:1], FirstTypeID+1)
				w := s.Writer()
				require.NoError(t, w.Seek(HeaderSize))
				require.NoError(t, w.WriteValue(uint16(100)))
				return s
			},
			err: ErrBadRecord,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := NewEnumerator(tc.stream(t))
			require.NoError(t, e.Init())
			var err error
			for err == nil {
				err = e.Next()
			}
			require.ErrorIs(t, err, tc.err)
			var perr *pdb.ParseError
			require.True(t, errors.As(err, &perr))
		})
	}

	short := pdb.NewByteStream(make([]byte, 20))
	require.Error(t, NewEnumerator(short).Init())
	require.ErrorIs(t, NewEnumerator(short).Next(), ErrNotInitialized)
}

func TestLeafKindString(t *testing.T) {
	assert.Equal(t, "LF_POINTER", LfPointer.String())
	assert.Equal(t, "LF_0x0001", LeafKind(1).String())
}
