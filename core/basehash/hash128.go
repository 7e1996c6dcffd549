// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package basehash provides the 128-bit value type behind image file identifiers.
package basehash // import "github.com/syzygy-go/syzygy/core/basehash"

import (
	"bytes"
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Hash128 is a 128-bit value stored big-endian.
type Hash128 [16]byte

// New128 builds a value from its high and low halves.
func New128(hi, lo uint64) Hash128 {
	var h Hash128
	for i := range 8 {
		h[7-i] = byte(hi >> (8 * i))
		h[15-i] = byte(lo >> (8 * i))
	}
	return h
}

// New128FromBytes copies a 16 byte slice.
func New128FromBytes(b []byte) (Hash128, error) {
	var h Hash128
	if len(b) != len(h) {
		return h, fmt.Errorf("hash of %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// New128FromString parses 32 hexadecimal digits, optionally prefixed with 0x, or a UUID.
func New128FromString(s string) (Hash128, error) {
	if strings.Count(s, "-") == 4 {
		id, err := uuid.Parse(s)
		if err != nil {
			return Hash128{}, err
		}
		return Hash128(id), nil
	}
	s = strings.TrimPrefix(s, "0x")
	var h Hash128
	if hex.DecodedLen(len(s)) != len(h) {
		return h, fmt.Errorf("hash %q has %d digits, want 32", s, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// ToUUIDString renders h the way GUIDs are printed.
func (h Hash128) ToUUIDString() string {
	return uuid.UUID(h).String()
}

// Bytes returns a copy of the value.
func (h Hash128) Bytes() []byte {
	return bytes.Clone(h[:])
}

// IsZero reports whether every bit is clear.
func (h Hash128) IsZero() bool {
	return h == Hash128{}
}

// Compare orders values as unsigned 128-bit integers.
func (h Hash128) Compare(other Hash128) int {
	return bytes.Compare(h[:], other[:])
}

func (h Hash128) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes h as hexadecimal, which also lets it key JSON objects.
func (h Hash128) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes any form accepted by New128FromString.
func (h *Hash128) UnmarshalText(text []byte) error {
	v, err := New128FromString(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

var (
	_ encoding.TextMarshaler   = Hash128{}
	_ encoding.TextUnmarshaler = (*Hash128)(nil)
)
