// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package report // import "github.com/syzygy-go/syzygy/asan/report"

import (
	"errors"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/stackcache"
)

// shadowContext is the number of bytes of address space shown on each side of an address.
const shadowContext = 3 * 8 * shadow.Granularity

// Builder assembles reports from the state of the heaps, the shadow and the stack cache.
type Builder struct {
	Heaps  *heap.Manager
	Shadow *shadow.Shadow
	// Stacks resolves stack ids. Stacks are left out of reports when nil.
	Stacks *stackcache.Cache
}

func (b *Builder) stack(id stackcache.StackID) Stack {
	if b.Stacks == nil || id == 0 {
		return nil
	}
	c, ok := b.Stacks.Lookup(id)
	if !ok {
		return nil
	}
	return Stack(c.Frames())
}

func (b *Builder) withBlock(r *Report, info *heap.BlockInfo) {
	r.Block = info
	r.AllocStack = b.stack(info.AllocStack)
	if info.State != heap.StateAllocated {
		r.FreeStack = b.stack(info.FreeStack)
	}
}

func (b *Builder) findBlock(addr uintptr) *heap.BlockInfo {
	if b.Heaps == nil {
		return nil
	}
	info, ok := b.Heaps.FindBlock(addr)
	if !ok {
		return nil
	}
	return &info
}

// Access checks an access of size bytes at addr and describes it when it touches poisoned
// memory.
func (b *Builder) Access(addr, size uintptr, mode AccessMode, crash Stack) (*Report, bool) {
	bad, found := b.Shadow.FindFirstPoisonedByte(addr, max(size, 1))
	if !found {
		return nil, false
	}
	marker := b.Shadow.Marker(bad)
	block := b.findBlock(bad)
	r := &Report{
		Type:       Classify(marker, bad, block),
		Address:    bad,
		AccessSize: size,
		Mode:       mode,
		CrashStack: crash,
		Shadow:     b.Shadow.Dump(bad, shadowContext, shadowContext),
	}
	if block != nil {
		b.withBlock(r, block)
	}
	return r, true
}

// Corruption describes a corrupt block found by a heap.
func (b *Builder) Corruption(c heap.Corruption, crash Stack) *Report {
	info := c.Block
	r := &Report{
		Type:        CorruptBlock,
		Description: c.Err.Error(),
		Address:     info.Layout.Body,
		CrashStack:  crash,
		Shadow:      b.Shadow.Dump(info.Layout.Body, shadowContext, shadowContext),
	}
	if errors.Is(c.Err, heap.ErrBodyModified) {
		r.Type = UseAfterFree
	}
	b.withBlock(r, &info)
	return r
}

// BadFree describes a free of ptr that the heap rejected with err.
func (b *Builder) BadFree(ptr uintptr, err error, crash Stack) *Report {
	r := &Report{
		Type:        InvalidFree,
		Description: err.Error(),
		Address:     ptr,
		CrashStack:  crash,
		Shadow:      b.Shadow.Dump(ptr, shadowContext, shadowContext),
	}
	switch {
	case errors.Is(err, heap.ErrDoubleFree):
		r.Type = DoubleFree
	case errors.Is(err, heap.ErrCorruptBlock):
		r.Type = CorruptBlock
	}
	if block := b.findBlock(ptr); block != nil {
		b.withBlock(r, block)
	}
	return r
}
