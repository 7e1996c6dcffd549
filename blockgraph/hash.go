// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"bytes"
	"cmp"
	"crypto/md5" //nolint:gosec
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// ContentHash is the MD5 fingerprint of a block.
type ContentHash [md5.Size]byte

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Hash fingerprints the block in isolation. It covers the type, size, data size, the number of
// references, the offset, type and size of each reference, and the bytes not covered by a
// reference padded with zeros up to the block size. Reference targets and the bytes under
// references do not contribute, so that the same code relinked elsewhere hashes identically.
func (b *Block) Hash() ContentHash {
	h := md5.New() //nolint:gosec
	var scratch [8]byte
	putU32 := func(w hash.Hash, v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		w.Write(scratch[:4])
	}

	h.Write([]byte{byte(b.typ)})
	putU32(h, b.size)
	putU32(h, uint32(len(b.data)))
	putU32(h, uint32(len(b.references)))

	refs := b.SortedReferences()
	for _, r := range refs {
		putU32(h, uint32(r.Offset))
		h.Write([]byte{byte(r.Reference.Type), r.Reference.Size})
	}

	b.visitUnreferencedBytes(refs, func(chunk []byte) {
		h.Write(chunk)
	})

	var sum ContentHash
	h.Sum(sum[:0])
	return sum
}

var zeroPage [4096]byte

// visitUnreferencedBytes calls fn with consecutive chunks of the block bytes, skipping bytes
// covered by references. The implicit zero tail is included.
func (b *Block) visitUnreferencedBytes(refs []OffsetReference, fn func([]byte)) {
	emit := func(start, end uint32) {
		for start < end {
			if start < uint32(len(b.data)) {
				stop := min(end, uint32(len(b.data)))
				fn(b.data[start:stop])
				start = stop
				continue
			}
			n := min(end-start, uint32(len(zeroPage)))
			fn(zeroPage[:n])
			start += n
		}
	}

	cursor := uint32(0)
	for _, r := range refs {
		off := uint32(r.Offset)
		if off > cursor {
			emit(cursor, off)
		}
		cursor = max(cursor, off+uint32(r.Reference.Size))
	}
	if cursor < b.size {
		emit(cursor, b.size)
	}
}

// unreferencedBytes returns the bytes Hash covers as one slice.
func (b *Block) unreferencedBytes() []byte {
	var buf bytes.Buffer
	b.visitUnreferencedBytes(b.SortedReferences(), func(chunk []byte) {
		buf.Write(chunk)
	})
	return buf.Bytes()
}

// Compare orders blocks by the properties Hash covers, in the same order. Blocks comparing equal
// hash equal; for blocks with equal hashes the comparison settles actual equality.
func Compare(a, b *Block) int {
	if c := cmp.Compare(a.typ, b.typ); c != 0 {
		return c
	}
	if c := cmp.Compare(a.size, b.size); c != 0 {
		return c
	}
	if c := cmp.Compare(len(a.data), len(b.data)); c != 0 {
		return c
	}
	if c := cmp.Compare(len(a.references), len(b.references)); c != 0 {
		return c
	}
	refsA, refsB := a.SortedReferences(), b.SortedReferences()
	for i := range refsA {
		ra, rb := refsA[i], refsB[i]
		if c := cmp.Compare(ra.Offset, rb.Offset); c != 0 {
			return c
		}
		if c := cmp.Compare(ra.Reference.Type, rb.Reference.Type); c != 0 {
			return c
		}
		if c := cmp.Compare(ra.Reference.Size, rb.Reference.Size); c != 0 {
			return c
		}
	}
	return bytes.Compare(a.unreferencedBytes(), b.unreferencedBytes())
}
