// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sim, err := NewSimulated(DefaultSimulatedBase, 4096)
	require.NoError(t, err)
	return map[string]Provider{"simulated": sim, "mapped": NewMapped()}
}

func TestProvider(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ps := p.PageSize()
			addr, err := p.Allocate(3 * ps)
			require.NoError(t, err)
			assert.Zero(t, addr%ps)

			b, err := p.Bytes(addr, 3*ps, true)
			require.NoError(t, err)
			require.Len(t, b, int(3*ps))
			b[ps] = 0x42

			require.NoError(t, p.Protect(addr+ps, ps, ProtNone))
			prot, err := p.Protection(addr + ps + 7)
			require.NoError(t, err)
			assert.Equal(t, ProtNone, prot)

			_, err = p.Bytes(addr+ps-1, 2, false)
			require.ErrorIs(t, err, ErrAccessViolation)
			_, err = p.Bytes(addr, ps, true)
			require.NoError(t, err)

			require.NoError(t, p.Protect(addr+ps, ps, ProtRead))
			_, err = p.Bytes(addr+ps, 1, true)
			require.ErrorIs(t, err, ErrAccessViolation)
			got, err := p.Bytes(addr+ps, 1, false)
			require.NoError(t, err)
			assert.Equal(t, byte(0x42), got[0])

			_, err = p.Bytes(addr, 3*ps+1, false)
			require.ErrorIs(t, err, ErrAccessViolation)
			require.ErrorIs(t, p.Protect(addr+1, ps, ProtNone), ErrUnaligned)

			require.ErrorIs(t, p.Free(addr+ps), ErrNotAllocated)
			require.NoError(t, p.Free(addr))
			_, err = p.Bytes(addr, 1, false)
			require.ErrorIs(t, err, ErrAccessViolation)
		})
	}
}

func TestSimulatedGuardGap(t *testing.T) {
	s, err := NewSimulated(DefaultSimulatedBase, 4096)
	require.NoError(t, err)
	a, err := s.Allocate(1)
	require.NoError(t, err)
	b, err := s.Allocate(4096)
	require.NoError(t, err)
	assert.Equal(t, a+2*4096, b)

	_, err = s.Bytes(a+4096, 1, false)
	require.ErrorIs(t, err, ErrAccessViolation)

	_, err = NewSimulated(DefaultSimulatedBase, 3000)
	require.Error(t, err)
	_, err = NewSimulated(DefaultSimulatedBase+1, 4096)
	require.ErrorIs(t, err, ErrUnaligned)
}
