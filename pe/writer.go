// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/core"
)

// PostPass rewrites parts of a finished image before its checksum is computed.
type PostPass func(layout *ImageLayout, image []byte) error

// ErrReferenceOverflow is returned when a reference value does not fit its size.
var ErrReferenceOverflow = errors.New("reference value does not fit")

// Image renders the layout as PE file bytes: headers, section table and section data with every
// reference patched in place. The post-passes run on the finished bytes, then the checksum is
// updated.
func (l *ImageLayout) Image(passes ...PostPass) ([]byte, error) {
	image := make([]byte, l.FileSize())

	hdr := l.Header.Data()
	if uint32(len(hdr)) > l.HeadersSize {
		return nil, fmt.Errorf("headers do not fit in 0x%x bytes: %w", l.HeadersSize, ErrBadHeader)
	}
	copy(image, hdr)
	if err := l.writeSectionTable(image[l.Header.Size():l.HeadersSize]); err != nil {
		return nil, err
	}

	for addr, b := range l.Blocks.All() {
		off, ok := l.FileOffset(addr)
		if !ok {
			if len(b.Data()) > 0 {
				return nil, fmt.Errorf("%v at %v has data but no file position", b, addr)
			}
			continue
		}
		if b != l.Header {
			copy(image[off:], b.Data())
		}
		if err := l.patchReferences(image, addr, off, b); err != nil {
			return nil, err
		}
	}

	for _, pass := range passes {
		if err := pass(l, image); err != nil {
			return nil, err
		}
	}
	if err := UpdateChecksum(image); err != nil {
		return nil, err
	}
	return image, nil
}

// WriteImage writes the rendered image to w.
func (l *ImageLayout) WriteImage(w io.Writer, passes ...PostPass) error {
	image, err := l.Image(passes...)
	if err != nil {
		return err
	}
	_, err = w.Write(image)
	return err
}

// WriteImageFile writes the rendered image to path.
func (l *ImageLayout) WriteImageFile(path string, passes ...PostPass) error {
	image, err := l.Image(passes...)
	if err != nil {
		return err
	}
	return os.WriteFile(path, image, 0o644)
}

func (l *ImageLayout) writeSectionTable(table []byte) error {
	if len(table) < len(l.Sections)*sectionHeaderSize {
		return fmt.Errorf("section table does not fit: %w", ErrBadHeader)
	}
	for i, s := range l.Sections {
		h := table[i*sectionHeaderSize:]
		if len(s.Name) > 8 {
			return fmt.Errorf("section name %q is too long", s.Name)
		}
		copy(h[:8], s.Name)
		binary.LittleEndian.PutUint32(h[8:], s.Size)
		binary.LittleEndian.PutUint32(h[12:], uint32(s.Addr))
		binary.LittleEndian.PutUint32(h[16:], s.DataSize)
		binary.LittleEndian.PutUint32(h[20:], uint32(s.FileOffset))
		binary.LittleEndian.PutUint32(h[36:], s.Characteristics)
	}
	return nil
}

// patchReferences encodes the references of b, placed at addr and file offset off.
func (l *ImageLayout) patchReferences(image []byte, addr core.RelativeAddress,
	off core.FileOffsetAddress, b *blockgraph.Block) error {
	for _, r := range b.SortedReferences() {
		value, err := l.referenceValue(addr, r.Offset, r.Reference)
		if err != nil {
			return fmt.Errorf("%v+%d: %w", b, r.Offset, err)
		}
		pos := int(off) + int(r.Offset)
		if pos+int(r.Reference.Size) > len(image) {
			return fmt.Errorf("%v+%d: reference outside the file", b, r.Offset)
		}
		if err := putValue(image[pos:], r.Reference, value); err != nil {
			return fmt.Errorf("%v+%d: %w", b, r.Offset, err)
		}
	}
	return nil
}

// referenceValue computes the encoded value of ref stored at src+offset.
func (l *ImageLayout) referenceValue(src core.RelativeAddress, offset blockgraph.Offset,
	ref blockgraph.Reference) (int64, error) {
	base, ok := l.Blocks.AddressOf(ref.Referenced)
	if !ok {
		return 0, fmt.Errorf("target %v is not laid out", ref.Referenced)
	}
	target := int64(base) + int64(ref.Offset)

	switch ref.Type {
	case blockgraph.AbsoluteRef:
		return int64(l.ImageBase) + target, nil
	case blockgraph.RelativeRef:
		return target, nil
	case blockgraph.PCRelativeRef:
		next := int64(src) + int64(offset) + int64(ref.Size)
		return target - next, nil
	case blockgraph.FileOffsetRef:
		fo, ok := l.FileOffset(core.RelativeAddress(target))
		if !ok {
			return 0, fmt.Errorf("target 0x%08X has no file offset", target)
		}
		return int64(fo), nil
	case blockgraph.SectionRef:
		i, ok := l.SectionIndex(core.RelativeAddress(base))
		if !ok {
			return 0, fmt.Errorf("target %v is not in a section", ref.Referenced)
		}
		return int64(i + 1), nil
	case blockgraph.SectionOffsetRef:
		i, ok := l.SectionIndex(core.RelativeAddress(base))
		if !ok {
			return 0, fmt.Errorf("target %v is not in a section", ref.Referenced)
		}
		return target - int64(l.Sections[i].Addr), nil
	}
	return 0, fmt.Errorf("unknown reference type %v", ref.Type)
}

func putValue(dst []byte, ref blockgraph.Reference, value int64) error {
	signed := ref.Type == blockgraph.PCRelativeRef
	var lo, hi int64
	switch ref.Size {
	case 1:
		lo, hi = 0, math.MaxUint8
		if signed {
			lo, hi = math.MinInt8, math.MaxInt8
		}
		if value < lo || value > hi {
			return ErrReferenceOverflow
		}
		dst[0] = byte(value)
	case 2:
		lo, hi = 0, math.MaxUint16
		if signed {
			lo, hi = math.MinInt16, math.MaxInt16
		}
		if value < lo || value > hi {
			return ErrReferenceOverflow
		}
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case 4:
		lo, hi = 0, math.MaxUint32
		if signed {
			lo, hi = math.MinInt32, math.MaxInt32
		}
		if value < lo || value > hi {
			return ErrReferenceOverflow
		}
		binary.LittleEndian.PutUint32(dst, uint32(value))
	default:
		return fmt.Errorf("unsupported reference size %d", ref.Size)
	}
	return nil
}
