// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package shadow implements ASan shadow memory: one byte describing every 8 byte cell of the
// address space. The table is sparse and chunks are allocated on the first write, so memory
// that was never described reads as addressable.
package shadow // import "github.com/syzygy-go/syzygy/asan/shadow"

import (
	"errors"
	"fmt"
	"strings"

	"github.com/syzygy-go/syzygy/core/xsync"
)

const (
	// Shift is log2 of Granularity.
	Shift = 3
	// Granularity is the number of application bytes described by one shadow byte.
	Granularity = 1 << Shift

	chunkShift = 16
	chunkSize  = 1 << chunkShift
)

// Marker is the value of a shadow byte.
type Marker uint8

const (
	Addressable       Marker = 0x00
	StackLeftRedzone  Marker = 0xf1
	StackMidRedzone   Marker = 0xf2
	StackRightRedzone Marker = 0xf3
	UserRedzone       Marker = 0xf7
	HeapLeftRedzone   Marker = 0xfa
	HeapFreed         Marker = 0xfb
	HeapRightRedzone  Marker = 0xfc
	// AllocRedzone covers arena memory that does not belong to a live block, including blocks
	// evicted from the quarantine.
	AllocRedzone   Marker = 0xfd
	InvalidAddress Marker = 0xfe
)

var markerNames = map[Marker]string{
	Addressable:       "addressable",
	StackLeftRedzone:  "stack-left-redzone",
	StackMidRedzone:   "stack-mid-redzone",
	StackRightRedzone: "stack-right-redzone",
	UserRedzone:       "user-poison",
	HeapLeftRedzone:   "heap-left-redzone",
	HeapFreed:         "freed-heap",
	HeapRightRedzone:  "heap-right-redzone",
	AllocRedzone:      "alloc-redzone",
	InvalidAddress:    "invalid-address",
}

func (m Marker) String() string {
	if name, ok := markerNames[m]; ok {
		return name
	}
	if m.IsPartial() {
		return fmt.Sprintf("partial-%d", uint8(m))
	}
	return fmt.Sprintf("reserved-0x%02x", uint8(m))
}

// IsPoison reports whether m marks the whole cell inaccessible.
func (m Marker) IsPoison() bool { return m >= 0x80 }

// IsPartial reports whether only the first m bytes of the cell are addressable.
func (m Marker) IsPartial() bool { return m > 0 && m < Granularity }

// IsHeapRedzone reports whether m is one of the heap block redzone markers.
func (m Marker) IsHeapRedzone() bool {
	return m == HeapLeftRedzone || m == HeapRightRedzone || m == AllocRedzone
}

// ErrUnaligned is returned when a poisoning operation starts inside a cell.
var ErrUnaligned = errors.New("address is not shadow aligned")

type chunk [chunkSize]Marker

// Shadow is a shadow memory table. It is safe for concurrent use.
type Shadow struct {
	chunks xsync.RWMutex[map[uintptr]*chunk]
}

// New creates a shadow in which every address is addressable.
func New() *Shadow {
	return &Shadow{chunks: xsync.NewRWMutex(map[uintptr]*chunk{})}
}

// Index returns the shadow index of addr.
func Index(addr uintptr) uintptr {
	return addr >> Shift
}

func get(chunks map[uintptr]*chunk, idx uintptr) Marker {
	c, ok := chunks[idx>>chunkShift]
	if !ok {
		return Addressable
	}
	return c[idx&(chunkSize-1)]
}

// fill sets the markers of the cells [first, last].
func fill(chunks map[uintptr]*chunk, first, last uintptr, m Marker) {
	for idx := first; idx <= last; {
		c, ok := chunks[idx>>chunkShift]
		end := min(last, idx|(chunkSize-1))
		if !ok {
			if m == Addressable {
				idx = end + 1
				continue
			}
			c = new(chunk)
			chunks[idx>>chunkShift] = c
		}
		for i := idx & (chunkSize - 1); i <= end&(chunkSize-1); i++ {
			c[i] = m
		}
		if end == ^uintptr(0) {
			return
		}
		idx = end + 1
	}
}

// Poison marks the cells covering [addr, addr+size) with m. A trailing partial cell is marked in
// full.
func (s *Shadow) Poison(addr, size uintptr, m Marker) error {
	if addr&(Granularity-1) != 0 {
		return fmt.Errorf("poison 0x%x: %w", addr, ErrUnaligned)
	}
	if size == 0 {
		return nil
	}
	chunks := s.chunks.WLock()
	defer s.chunks.WUnlock(&chunks)
	fill(*chunks, Index(addr), Index(addr+size-1), m)
	return nil
}

// Unpoison marks [addr, addr+size) addressable. When size is not a multiple of Granularity the
// last cell records how many of its bytes are addressable.
func (s *Shadow) Unpoison(addr, size uintptr) error {
	if addr&(Granularity-1) != 0 {
		return fmt.Errorf("unpoison 0x%x: %w", addr, ErrUnaligned)
	}
	if size == 0 {
		return nil
	}
	chunks := s.chunks.WLock()
	defer s.chunks.WUnlock(&chunks)
	full := size >> Shift
	if full > 0 {
		fill(*chunks, Index(addr), Index(addr)+full-1, Addressable)
	}
	if rem := size & (Granularity - 1); rem != 0 {
		idx := Index(addr) + full
		fill(*chunks, idx, idx, Marker(rem))
	}
	return nil
}

// MarkAsFreed marks every cell covering [addr, addr+size) as freed heap memory.
func (s *Shadow) MarkAsFreed(addr, size uintptr) error {
	return s.Poison(addr, size, HeapFreed)
}

// Marker returns the shadow byte of the cell holding addr.
func (s *Shadow) Marker(addr uintptr) Marker {
	chunks := s.chunks.RLock()
	defer s.chunks.RUnlock(&chunks)
	return get(*chunks, Index(addr))
}

func accessible(m Marker, addr uintptr) bool {
	if m == Addressable {
		return true
	}
	if m.IsPoison() {
		return false
	}
	return addr&(Granularity-1) < uintptr(m)
}

// IsAccessible reports whether the byte at addr may be accessed.
func (s *Shadow) IsAccessible(addr uintptr) bool {
	return accessible(s.Marker(addr), addr)
}

// IsAccessibleRange reports whether every byte of [addr, addr+n) may be accessed.
func (s *Shadow) IsAccessibleRange(addr, n uintptr) bool {
	_, bad := s.FindFirstPoisonedByte(addr, n)
	return !bad
}

// FindFirstPoisonedByte returns the lowest inaccessible address in [addr, addr+n). It reads at
// most one shadow byte per cell overlapped by the range.
func (s *Shadow) FindFirstPoisonedByte(addr, n uintptr) (uintptr, bool) {
	if n == 0 {
		return 0, false
	}
	chunks := s.chunks.RLock()
	defer s.chunks.RUnlock(&chunks)
	end := addr + n - 1
	for cell := Index(addr); cell <= Index(end); cell++ {
		m := get(*chunks, cell)
		if m == Addressable {
			continue
		}
		base := cell << Shift
		first := max(base, addr)
		if m.IsPoison() {
			return first, true
		}
		if limit := base + uintptr(m); limit <= end {
			return max(limit, first), true
		}
	}
	return 0, false
}

// Reset forgets every marker.
func (s *Shadow) Reset() {
	chunks := s.chunks.WLock()
	defer s.chunks.WUnlock(&chunks)
	clear(*chunks)
}

// Dump renders the shadow bytes around addr, 8 cells per line, from before bytes below addr to
// after bytes above it. The cell holding addr is bracketed.
func (s *Shadow) Dump(addr, before, after uintptr) string {
	chunks := s.chunks.RLock()
	defer s.chunks.RUnlock(&chunks)

	const perLine = 8
	target := Index(addr)
	first := Index(addr-min(addr, before)) &^ (perLine - 1)
	last := Index(addr + after)
	var sb strings.Builder
	for line := first; line <= last; line += perLine {
		fmt.Fprintf(&sb, "0x%08x:", line<<Shift)
		for cell := line; cell < line+perLine; cell++ {
			m := get(*chunks, cell)
			if cell == target {
				fmt.Fprintf(&sb, "[%02x]", uint8(m))
			} else {
				fmt.Fprintf(&sb, " %02x ", uint8(m))
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Bytes returns a copy of the shadow bytes for the cells covering [addr, addr+n).
func (s *Shadow) Bytes(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	chunks := s.chunks.RLock()
	defer s.chunks.RUnlock(&chunks)
	out := make([]byte, 0, Index(addr+n-1)-Index(addr)+1)
	for cell := Index(addr); cell <= Index(addr+n-1); cell++ {
		out = append(out, byte(get(*chunks, cell)))
	}
	return out
}
