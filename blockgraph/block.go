// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/syzygy-go/syzygy/core"
)

// BlockType distinguishes code from data.
type BlockType uint8

const (
	CodeBlock BlockType = iota
	DataBlock
)

func (t BlockType) String() string {
	switch t {
	case CodeBlock:
		return "code"
	case DataBlock:
		return "data"
	}
	return fmt.Sprintf("block-type(%d)", uint8(t))
}

// Attributes is a bit set of block properties.
type Attributes uint32

const (
	// NonReturnFunction marks functions that never return.
	NonReturnFunction Attributes = 1 << iota
	// PEParsed marks blocks created from PE structures rather than from code or data.
	PEParsed
	// SectionContribution marks blocks that map one-to-one to a linker contribution.
	SectionContribution
	// Padding marks filler blocks. Comparison and ordering passes skip them.
	Padding
	// HasInlineAssembly marks code that was not produced by the compiler.
	HasInlineAssembly
	// BuiltBySyzygy marks blocks synthesised by a transform.
	BuiltBySyzygy
	// GapBlock marks blocks created to cover holes between decomposed blocks.
	GapBlock
	// IntegrityChecked marks blocks whose content is checksummed at runtime.
	IntegrityChecked
)

// LabelAttributes describes what a label marks.
type LabelAttributes uint32

const (
	CodeLabel LabelAttributes = 1 << iota
	DataLabel
	JumpTableLabel
	CaseTableLabel
	DebugStartLabel
	DebugEndLabel
	CallSiteLabel
)

// Label names an offset within a block.
type Label struct {
	Name       string
	Attributes LabelAttributes
}

// SourceRange maps a part of a block's bytes to the range it was decomposed from in the original
// image.
type SourceRange struct {
	Offset Offset
	Size   uint32
	Source core.RelativeAddress
}

// OffsetLabel pairs a label with its offset.
type OffsetLabel struct {
	Offset Offset
	Label  Label
}

// ErrReferenceOutOfRange is returned when a reference does not fit inside its source block.
var ErrReferenceOutOfRange = errors.New("reference out of range")

// Block is a contiguous, labelled piece of an image.
//
// Size may exceed the length of the data; the remaining bytes are implicitly zero.
type Block struct {
	graph *BlockGraph
	id    BlockID
	typ   BlockType

	size uint32
	data []byte

	name       string
	compiland  string
	alignment  uint32
	attributes Attributes
	section    SectionID
	addr       core.RelativeAddress

	sourceRanges []SourceRange
	labels       map[Offset]Label
	references   map[Offset]Reference
	referrers    map[Referrer]core.Void
}

func (b *Block) ID() BlockID                { return b.id }
func (b *Block) Graph() *BlockGraph         { return b.graph }
func (b *Block) Type() BlockType            { return b.typ }
func (b *Block) Size() uint32               { return b.size }
func (b *Block) DataSize() uint32           { return uint32(len(b.data)) }
func (b *Block) Name() string               { return b.name }
func (b *Block) Compiland() string          { return b.compiland }
func (b *Block) Alignment() uint32          { return b.alignment }
func (b *Block) Attributes() Attributes     { return b.attributes }
func (b *Block) SectionID() SectionID       { return b.section }
func (b *Block) Addr() core.RelativeAddress { return b.addr }

func (b *Block) SetType(typ BlockType)              { b.typ = typ }
func (b *Block) SetName(name string)                { b.name = name }
func (b *Block) SetCompiland(compiland string)      { b.compiland = compiland }
func (b *Block) SetSection(id SectionID)            { b.section = id }
func (b *Block) SetAddr(addr core.RelativeAddress)  { b.addr = addr }
func (b *Block) SetAttribute(attr Attributes)       { b.attributes |= attr }
func (b *Block) ClearAttribute(attr Attributes)     { b.attributes &^= attr }
func (b *Block) HasAttributes(attr Attributes) bool { return b.attributes&attr == attr }

// SetAlignment sets the required alignment of the block's address. It must be a power of two.
func (b *Block) SetAlignment(alignment uint32) error {
	if !core.IsPowerOfTwo(uint64(alignment)) {
		return fmt.Errorf("alignment %d is not a power of two", alignment)
	}
	b.alignment = alignment
	return nil
}

// SetSize changes the block size. The data is truncated if it no longer fits.
func (b *Block) SetSize(size uint32) {
	b.size = size
	if uint32(len(b.data)) > size {
		b.data = b.data[:size]
	}
}

// Data returns the initialised bytes of the block. The slice must not be modified; use
// MutableData for that.
func (b *Block) Data() []byte {
	return b.data
}

// MutableData returns the block bytes for in-place modification.
func (b *Block) MutableData() []byte {
	return b.data
}

// ResizeData changes the number of initialised bytes to n and returns the writable data. New
// bytes are zero. Growing the data past the block size grows the block.
func (b *Block) ResizeData(n uint32) []byte {
	switch {
	case n <= uint32(len(b.data)):
		b.data = b.data[:n]
	case n <= uint32(cap(b.data)):
		old := len(b.data)
		b.data = b.data[:n]
		clear(b.data[old:])
	default:
		b.data = append(b.data, make([]byte, int(n)-len(b.data))...)
	}
	b.size = max(b.size, n)
	return b.data
}

// SetData replaces the block data with a copy of data, growing the block if needed.
func (b *Block) SetData(data []byte) {
	copy(b.ResizeData(uint32(len(data))), data)
}

// SourceRanges returns the original image ranges the block was built from.
func (b *Block) SourceRanges() []SourceRange {
	return slices.Clone(b.sourceRanges)
}

// AddSourceRange records that size bytes at offset originate from source.
func (b *Block) AddSourceRange(offset Offset, size uint32, source core.RelativeAddress) {
	b.sourceRanges = append(b.sourceRanges, SourceRange{Offset: offset, Size: size, Source: source})
	slices.SortFunc(b.sourceRanges, func(x, y SourceRange) int {
		return cmp.Compare(x.Offset, y.Offset)
	})
}

// SetLabel attaches a label to offset. Offsets equal to the block size are allowed so that the
// end of a block can be labelled. It returns false if the offset is out of range or already
// labelled.
func (b *Block) SetLabel(offset Offset, label Label) bool {
	if offset < 0 || uint32(offset) > b.size {
		return false
	}
	if _, ok := b.labels[offset]; ok {
		return false
	}
	if b.labels == nil {
		b.labels = make(map[Offset]Label)
	}
	b.labels[offset] = label
	return true
}

// Label returns the label at offset.
func (b *Block) Label(offset Offset) (Label, bool) {
	l, ok := b.labels[offset]
	return l, ok
}

func (b *Block) HasLabel(offset Offset) bool {
	_, ok := b.labels[offset]
	return ok
}

func (b *Block) RemoveLabel(offset Offset) bool {
	if _, ok := b.labels[offset]; !ok {
		return false
	}
	delete(b.labels, offset)
	return true
}

// Labels returns the labels ordered by offset.
func (b *Block) Labels() []OffsetLabel {
	out := make([]OffsetLabel, 0, len(b.labels))
	for _, off := range slices.Sorted(maps.Keys(b.labels)) {
		out = append(out, OffsetLabel{Offset: off, Label: b.labels[off]})
	}
	return out
}

// FindLabel returns the offset of the first label called name.
func (b *Block) FindLabel(name string) (Offset, bool) {
	for _, l := range b.Labels() {
		if l.Label.Name == name {
			return l.Offset, true
		}
	}
	return 0, false
}

// SetReference stores ref at offset, replacing any reference already there. The target's
// referrers are updated accordingly. The returned bool is true if no reference was replaced.
func (b *Block) SetReference(offset Offset, ref Reference) (bool, error) {
	if !ref.IsValid() {
		return false, fmt.Errorf("invalid reference %v at %s+%d", ref, b.name, offset)
	}
	if ref.Referenced.graph != b.graph {
		return false, ErrForeignBlock
	}
	if offset < 0 || uint64(offset)+uint64(ref.Size) > uint64(b.size) {
		return false, fmt.Errorf("%s+%d (size %d): %w", b.name, offset, ref.Size,
			ErrReferenceOutOfRange)
	}

	old, replaced := b.references[offset]
	if replaced {
		old.Referenced.removeReferrer(Referrer{Block: b, Offset: offset})
	}
	if b.references == nil {
		b.references = make(map[Offset]Reference)
	}
	b.references[offset] = ref
	ref.Referenced.addReferrer(Referrer{Block: b, Offset: offset})
	return !replaced, nil
}

// Reference returns the reference stored at offset.
func (b *Block) Reference(offset Offset) (Reference, bool) {
	r, ok := b.references[offset]
	return r, ok
}

// ReferenceCount returns the number of outgoing references.
func (b *Block) ReferenceCount() int {
	return len(b.references)
}

// RemoveReference deletes the reference at offset and the matching referrer entry.
func (b *Block) RemoveReference(offset Offset) bool {
	ref, ok := b.references[offset]
	if !ok {
		return false
	}
	delete(b.references, offset)
	ref.Referenced.removeReferrer(Referrer{Block: b, Offset: offset})
	return true
}

// RemoveAllReferences drops every outgoing reference.
func (b *Block) RemoveAllReferences() {
	for off := range b.references {
		b.RemoveReference(off)
	}
}

// SortedReferences returns the outgoing references ordered by strictly increasing offset.
func (b *Block) SortedReferences() []OffsetReference {
	out := make([]OffsetReference, 0, len(b.references))
	for _, off := range slices.Sorted(maps.Keys(b.references)) {
		out = append(out, OffsetReference{Offset: off, Reference: b.references[off]})
	}
	return out
}

// Referrers returns the references pointing at this block ordered by source block id and offset.
func (b *Block) Referrers() []Referrer {
	out := slices.Collect(maps.Keys(b.referrers))
	slices.SortFunc(out, func(x, y Referrer) int {
		if c := cmp.Compare(x.Block.id, y.Block.id); c != 0 {
			return c
		}
		return cmp.Compare(x.Offset, y.Offset)
	})
	return out
}

// ReferrerCount returns the number of references pointing at this block.
func (b *Block) ReferrerCount() int {
	return len(b.referrers)
}

func (b *Block) addReferrer(r Referrer) {
	if b.referrers == nil {
		b.referrers = make(map[Referrer]core.Void)
	}
	b.referrers[r] = core.Void{}
}

func (b *Block) removeReferrer(r Referrer) {
	delete(b.referrers, r)
}

// TransferReferrers redirects every reference to b so that it points to newBlock, shifting the
// reference offset and base by offset.
func (b *Block) TransferReferrers(offset Offset, newBlock *Block) error {
	if newBlock.graph != b.graph {
		return ErrForeignBlock
	}
	if newBlock == b {
		return nil
	}
	for _, r := range b.Referrers() {
		ref := r.Block.references[r.Offset]
		ref.Referenced = newBlock
		ref.Offset += offset
		ref.Base += offset
		if _, err := r.Block.SetReference(r.Offset, ref); err != nil {
			return err
		}
	}
	return nil
}

// InsertData inserts size bytes at offset. References, labels, source ranges and incoming
// reference offsets at or past offset move up. Zero bytes are inserted into the data if offset
// lies within it.
func (b *Block) InsertData(offset Offset, size uint32) error {
	if offset < 0 || uint32(offset) > b.size {
		return fmt.Errorf("insert at %d outside block of size %d", offset, b.size)
	}
	if size == 0 {
		return nil
	}
	b.shift(offset, Offset(size))
	b.size += size
	if uint32(offset) < uint32(len(b.data)) {
		b.data = slices.Insert(b.data, int(offset), make([]byte, size)...)
	}
	return nil
}

// RemoveData removes size bytes at offset. The range must not carry references or labels.
func (b *Block) RemoveData(offset Offset, size uint32) error {
	end := uint64(offset) + uint64(size)
	if offset < 0 || end > uint64(b.size) {
		return fmt.Errorf("remove [%d, %d) outside block of size %d", offset, end, b.size)
	}
	if size == 0 {
		return nil
	}
	for off, ref := range b.references {
		if uint64(off) < end && uint64(off)+uint64(ref.Size) > uint64(offset) {
			return fmt.Errorf("remove [%d, %d): reference at %d", offset, end, off)
		}
	}
	for off := range b.labels {
		if off >= offset && uint64(off) < end {
			return fmt.Errorf("remove [%d, %d): label at %d", offset, end, off)
		}
	}
	if dataEnd := uint64(len(b.data)); uint64(offset) < dataEnd {
		b.data = slices.Delete(b.data, int(offset), int(min(end, dataEnd)))
	}
	b.size -= size
	b.shift(Offset(end), -Offset(size))
	return nil
}

// shift moves everything located at or after from by delta.
func (b *Block) shift(from, delta Offset) {
	if len(b.references) > 0 {
		moved := make(map[Offset]Reference, len(b.references))
		var shifted []Offset
		for off, ref := range b.references {
			if off >= from {
				ref.Referenced.removeReferrer(Referrer{Block: b, Offset: off})
				off += delta
				shifted = append(shifted, off)
			}
			moved[off] = ref
		}
		// Old and new source offsets may collide, so referrers are added once all are removed.
		for _, off := range shifted {
			moved[off].Referenced.addReferrer(Referrer{Block: b, Offset: off})
		}
		b.references = moved
	}
	if len(b.labels) > 0 {
		moved := make(map[Offset]Label, len(b.labels))
		for off, l := range b.labels {
			if off >= from {
				off += delta
			}
			moved[off] = l
		}
		b.labels = moved
	}
	for i := range b.sourceRanges {
		if b.sourceRanges[i].Offset >= from {
			b.sourceRanges[i].Offset += delta
		}
	}
	// Incoming references into the moved part follow it. Self references were updated above
	// under their new source offsets.
	for _, r := range b.Referrers() {
		ref := r.Block.references[r.Offset]
		if ref.Offset >= from {
			ref.Offset += delta
			ref.Base += delta
			r.Block.references[r.Offset] = ref
		}
	}
}

func (b *Block) String() string {
	return fmt.Sprintf("%s block %q (id %d, size %d)", b.typ, b.name, b.id, b.size)
}
