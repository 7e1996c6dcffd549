// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanLayout(t *testing.T) {
	tests := map[string]struct {
		size, align uintptr
		rz          redzones
		want        Layout
		rightPad    uintptr
	}{
		"small": {
			size: 16, align: 8, rz: redzones{16, 2048},
			want: Layout{Size: 48, Header: 0, Body: 16, BodySize: 16, Trailer: 32},
		},
		"partial cell": {
			size: 100, align: 8, rz: redzones{16, 2048},
			want:     Layout{Size: 136, Header: 0, Body: 16, BodySize: 100, Trailer: 120},
			rightPad: 4,
		},
		"clamped to max redzone": {
			size: 1000, align: 64, rz: redzones{32, 64},
			want:     Layout{Size: 1152, Header: 48, Body: 64, BodySize: 1000, Trailer: 1136},
			rightPad: 72,
		},
		"empty body": {
			size: 0, align: 8, rz: redzones{16, 2048},
			want: Layout{Size: 32, Header: 0, Body: 16, BodySize: 0, Trailer: 16},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			l, err := planLayout(tc.size, tc.align, tc.rz)
			require.NoError(t, err)
			assert.Equal(t, tc.want, l)
			assert.Equal(t, tc.rightPad, l.rightPadding())
			assert.GreaterOrEqual(t, l.LeftRedzone(), tc.rz.min)
			assert.Zero(t, l.Body%tc.align)

			moved := l.Offset(0x1000)
			assert.Equal(t, l.Body+0x1000, moved.Body)
			assert.True(t, moved.Contains(moved.Trailer))
			assert.False(t, moved.Contains(moved.End()))
		})
	}
}

func TestPlanLayoutRejectsAlignment(t *testing.T) {
	for _, align := range []uintptr{0, 4, 24} {
		_, err := planLayout(16, align, redzones{16, 2048})
		require.ErrorIs(t, err, ErrInvalidAlignment)
	}
	_, err := planPageLayout(16, 8192, 4096)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestPlanPageLayout(t *testing.T) {
	l, err := planPageLayout(5000, 8, 4096)
	require.NoError(t, err)
	assert.Equal(t, Layout{
		Size:      16384,
		Header:    7272,
		Body:      7288,
		BodySize:  5000,
		Trailer:   7256,
		PageHeap:  true,
		DataStart: 4096,
		DataEnd:   12288,
	}, l)
	assert.Equal(t, l.DataEnd, l.Body+l.BodySize)
}

func TestMetadataChecksum(t *testing.T) {
	newPair := func() (Header, Trailer) {
		h := Header{State: StateAllocated, BodySize: 16, AllocStack: 0x1234, LeftPadding: 8}
		tr := Trailer{AllocTID: 7, FreeStack: 0x99}
		seal(&h, &tr)
		return h, tr
	}

	tests := map[string]struct {
		tamper func(*Header, *Trailer)
		want   error
	}{
		"intact":        {tamper: func(*Header, *Trailer) {}},
		"body size":     {tamper: func(h *Header, _ *Trailer) { h.BodySize++ }, want: ErrBadChecksum},
		"free stack":    {tamper: func(_ *Header, t *Trailer) { t.FreeStack = 0 }, want: ErrBadChecksum},
		"header magic":  {tamper: func(h *Header, _ *Trailer) { h.Magic = 0 }, want: ErrBadHeader},
		"bad state":     {tamper: func(h *Header, _ *Trailer) { h.State = 9 }, want: ErrBadHeader},
		"trailer magic": {tamper: func(_ *Header, t *Trailer) { t.Magic ^= 1 }, want: ErrBadTrailer},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h, tr := newPair()
			tc.tamper(&h, &tr)
			err := verify(&h, &tr)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMetadataEncoding(t *testing.T) {
	h := Header{State: StateQuarantined, Flags: FlagHashed, BodySize: 77, AllocStack: 5,
		LeftPadding: 1, RightPadding: 3}
	tr := Trailer{FreeStack: 6, AllocTID: 1, FreeTID: 2, BodyHash: 0xfeedbeef}
	seal(&h, &tr)

	hb := make([]byte, HeaderSize)
	tb := make([]byte, TrailerSize)
	encodeHeader(hb, &h)
	encodeTrailer(tb, &tr)
	assert.Equal(t, []byte{0x80, 0xca}, hb[:2])
	assert.Equal(t, []byte{0x11, 0x7e}, tb[14:])
	assert.Equal(t, h, decodeHeader(hb))
	assert.Equal(t, tr, decodeTrailer(tb))
}
