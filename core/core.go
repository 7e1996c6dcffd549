// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the scalar types and small helpers shared by the block graph, the PE
// layout code, the PDB engine and the runtime agents.
package core // import "github.com/syzygy-go/syzygy/core"

import (
	"fmt"
	"math/bits"
)

// Void allows to use maps as sets without memory allocation for the values.
// From the "Go Programming Language":
//
//	The struct type with no fields is called the empty struct. Its size is zero and it carries
//	no information but may be useful nonetheless. Some Go programmers use it instead of bool as
//	the value type of a map that represents a set, to emphasize that only the keys are
//	significant, but the space saving is marginal and the syntax more cumbersome, so we
//	generally avoid it.
type Void struct{}

// RelativeAddress is an address relative to the start of a loaded image (an RVA).
type RelativeAddress uint32

// AbsoluteAddress is an address in the preferred load space of an image.
type AbsoluteAddress uint32

// FileOffsetAddress is a byte offset into an image file on disk.
type FileOffsetAddress uint32

// InvalidRelativeAddress marks a block or label that has no address assigned yet.
const InvalidRelativeAddress = ^RelativeAddress(0)

func (a RelativeAddress) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

func (a AbsoluteAddress) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

func (a FileOffsetAddress) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two.
func AlignUp[T ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr](value, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two.
func AlignDown[T ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr](value, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment.
func IsAligned[T ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr](value, alignment T) bool {
	return AlignDown(value, alignment) == value
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && bits.OnesCount64(v) == 1
}
