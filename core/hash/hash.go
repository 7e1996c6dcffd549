// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides small, allocation free hash primitives used as cache keys and as the
// byte checksums of the integrity-check post-pass.
package hash // import "github.com/syzygy-go/syzygy/core/hash"

// Uint32 computes a hash of a 32-bit uint using the finalizer function for Murmur.
// 32-bit via https://en.wikipedia.org/wiki/MurmurHash#Algorithm
func Uint32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

// Sum8 returns the 8-bit wrapping sum of all bytes in b.
func Sum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// Uint16Words computes a 16-bit checksum by folding the 32-bit murmur finalizer over words.
func Uint16Words(words ...uint32) uint16 {
	var acc uint32
	for _, w := range words {
		acc = Uint32(acc ^ w)
	}
	return uint16(acc ^ (acc >> 16))
}
