// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"fmt"
)

// Offset is a byte offset within a block. References may point before the start or past the end
// of their target, so offsets are signed.
type Offset int32

// ReferenceType defines how a reference is encoded in the referring bytes.
type ReferenceType uint8

const (
	// PCRelativeRef is encoded relative to the address following the reference.
	PCRelativeRef ReferenceType = iota
	// AbsoluteRef is encoded as an absolute virtual address.
	AbsoluteRef
	// RelativeRef is encoded as an image relative address.
	RelativeRef
	// FileOffsetRef is encoded as an offset in the image file.
	FileOffsetRef
	// SectionRef is encoded as the one-based index of the target's section.
	SectionRef
	// SectionOffsetRef is encoded as the offset of the target within its section.
	SectionOffsetRef
)

var referenceTypeNames = [...]string{
	PCRelativeRef:    "pc-relative",
	AbsoluteRef:      "absolute",
	RelativeRef:      "relative",
	FileOffsetRef:    "file-offset",
	SectionRef:       "section",
	SectionOffsetRef: "section-offset",
}

func (t ReferenceType) String() string {
	if int(t) < len(referenceTypeNames) {
		return referenceTypeNames[t]
	}
	return fmt.Sprintf("reference-type(%d)", uint8(t))
}

// Reference describes a typed pointer stored at some offset of its source block.
//
// Offset is the position within Referenced the reference resolves to. Base is the position the
// reference is considered to point at for ownership purposes; it differs from Offset for
// references computed relative to a block, e.g. the end of an array used as a loop bound.
type Reference struct {
	Type       ReferenceType
	Size       uint8
	Referenced *Block
	Offset     Offset
	Base       Offset
}

// NewReference creates a reference whose base equals its offset.
func NewReference(typ ReferenceType, size uint8, referenced *Block, offset Offset) Reference {
	return Reference{
		Type:       typ,
		Size:       size,
		Referenced: referenced,
		Offset:     offset,
		Base:       offset,
	}
}

// IsValid returns true if the type and size can be encoded and a target is set.
func (r Reference) IsValid() bool {
	if r.Referenced == nil {
		return false
	}
	switch r.Type {
	case SectionRef:
		return r.Size == 2
	case AbsoluteRef:
		return r.Size == 4 || r.Size == 8
	case PCRelativeRef:
		return r.Size == 1 || r.Size == 2 || r.Size == 4
	case RelativeRef, FileOffsetRef, SectionOffsetRef:
		return r.Size == 1 || r.Size == 2 || r.Size == 4
	}
	return false
}

func (r Reference) String() string {
	name := "<nil>"
	if r.Referenced != nil {
		name = r.Referenced.name
	}
	return fmt.Sprintf("%s/%d -> %s%+d", r.Type, r.Size, name, r.Offset)
}

// Referrer identifies a reference by its source block and source offset.
type Referrer struct {
	Block  *Block
	Offset Offset
}

// OffsetReference pairs a reference with its source offset.
type OffsetReference struct {
	Offset    Offset
	Reference Reference
}
