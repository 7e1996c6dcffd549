// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package heap implements the redzoned heaps of the address sanitizer runtime. Every block is
// surrounded by poisoned redzones holding its metadata, freed blocks are held in a quarantine
// before their memory is reused, and large blocks can be placed between guard pages.
package heap // import "github.com/syzygy-go/syzygy/asan/heap"

import (
	"errors"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/stackcache"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/core/addrspace"
)

// DefaultAlignment is the body alignment of Allocate.
const DefaultAlignment = shadow.Granularity

var (
	// ErrInvalidAlignment is returned for alignments a block cannot honour.
	ErrInvalidAlignment = errors.New("invalid alignment")
	// ErrTooLarge is returned for bodies whose size does not fit a header.
	ErrTooLarge = errors.New("allocation too large")
	// ErrNotOwned is returned for addresses outside every block of a heap.
	ErrNotOwned = errors.New("address not owned by heap")
	// ErrInvalidPointer is returned for addresses inside a block but not at its body.
	ErrInvalidPointer = errors.New("pointer does not start a block body")
	// ErrDoubleFree is returned when freeing a block that is not allocated.
	ErrDoubleFree = errors.New("block already freed")
	// ErrCorruptBlock is returned when a block's metadata was overwritten.
	ErrCorruptBlock = errors.New("corrupt block")
	// ErrUnknownHeap is returned for heap ids not known to a manager.
	ErrUnknownHeap = errors.New("unknown heap")
)

// HeapID identifies a heap in a Manager.
type HeapID uint32

// Options are the dependencies of a heap.
type Options struct {
	Params   *config.AgentParameters
	Provider vmem.Provider
	Shadow   *shadow.Shadow
	// Stacks records allocation and free stacks. Stacks are not recorded when nil.
	Stacks *stackcache.Cache
	// OnCorruption is called for every corrupt block found, without any heap lock held.
	OnCorruption func(Corruption)
}

func (o *Options) validate() error {
	switch {
	case o.Params == nil:
		return errors.New("missing agent parameters")
	case o.Provider == nil:
		return errors.New("missing memory provider")
	case o.Shadow == nil:
		return errors.New("missing shadow")
	}
	return nil
}

// Corruption describes a block whose metadata or quarantined contents were overwritten.
type Corruption struct {
	Block BlockInfo
	Err   error
}

// BlockInfo is what a heap knows about one of its blocks.
type BlockInfo struct {
	Heap   HeapID
	Layout Layout
	State  BlockState

	AllocStack stackcache.StackID
	FreeStack  stackcache.StackID
	AllocTID   uint16
	FreeTID    uint16

	// Header and Trailer are read from memory when MetadataValid is set. They are unreadable
	// while a page heap block is quarantined.
	Header        Header
	Trailer       Trailer
	MetadataValid bool
}

// record mirrors the metadata of a block, so page heap blocks can be described while their
// pages are protected.
type record struct {
	layout     Layout
	state      BlockState
	flags      uint8
	bodyHash   uint32
	allocStack stackcache.StackID
	freeStack  stackcache.StackID
	allocTID   uint16
	freeTID    uint16
	corrupt    bool
}

// Stats are the counters of a heap.
type Stats struct {
	Allocations     uint64
	Frees           uint64
	PageAllocations uint64
	Evictions       uint64
	CorruptBlocks   uint64
	QuarantineBytes uint64
	QuarantineCount int
}

// Heap is one redzoned heap. It is safe for concurrent use.
type Heap struct {
	id   HeapID
	opts Options
	rz   redzones

	mu         sync.Mutex
	arenas     *arenas
	blocks     *addrspace.AddressSpace[uintptr, *record]
	quarantine *Quarantine[*record]
	pending    []Corruption
	stats      Stats
	// deltas are the counters not yet handed to metrics.
	deltas Stats
}

// New creates a heap.
func New(id HeapID, opts Options) (*Heap, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	p := opts.Params
	return &Heap{
		id:   id,
		opts: opts,
		rz: redzones{
			min: core.AlignUp(uintptr(p.MinRedzone), shadow.Granularity),
			max: core.AlignUp(uintptr(p.MaxRedzone), shadow.Granularity),
		},
		arenas:     newArenas(opts.Provider, opts.Shadow),
		blocks:     addrspace.New[uintptr, *record](),
		quarantine: NewQuarantine[*record](p.QuarantineSize, p.QuarantineMaxCount),
	}, nil
}

// ID returns the id of the heap.
func (h *Heap) ID() HeapID { return h.id }

func (h *Heap) lock() { h.mu.Lock() }

// unlock releases the heap and then reports the corruptions found while it was held.
func (h *Heap) unlock() {
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	if h.opts.OnCorruption == nil {
		return
	}
	for _, c := range pending {
		h.opts.OnCorruption(c)
	}
}

// Allocate returns the body address of a new block of size bytes.
func (h *Heap) Allocate(size uintptr) (uintptr, error) {
	return h.AllocateAligned(size, DefaultAlignment)
}

// AllocateAligned returns the body address of a new block of size bytes aligned to align.
func (h *Heap) AllocateAligned(size, align uintptr) (uintptr, error) {
	h.lock()
	defer h.unlock()
	return h.allocate(size, align)
}

// Free moves the block whose body starts at ptr to the quarantine.
func (h *Heap) Free(ptr uintptr) error {
	h.lock()
	defer h.unlock()
	return h.free(ptr)
}

// Size returns the body size of the allocated block whose body starts at ptr.
func (h *Heap) Size(ptr uintptr) (uintptr, bool) {
	h.lock()
	defer h.unlock()
	return h.size(ptr)
}

// Owns reports whether addr lies in memory managed by the heap.
func (h *Heap) Owns(addr uintptr) bool {
	h.lock()
	defer h.unlock()
	return h.arenas.owns(addr)
}

// FindBlock describes the block containing addr, in any state but released.
func (h *Heap) FindBlock(addr uintptr) (BlockInfo, bool) {
	h.lock()
	defer h.unlock()
	e, ok := h.blocks.FindAddress(addr)
	if !ok {
		return BlockInfo{}, false
	}
	return h.describe(e.Value), true
}

// Stats returns the heap counters.
func (h *Heap) Stats() Stats {
	h.lock()
	defer h.unlock()
	s := h.stats
	s.QuarantineBytes = h.quarantine.Bytes()
	s.QuarantineCount = h.quarantine.Len()
	return s
}

// drainDeltas returns the counters accumulated since the previous call.
func (h *Heap) drainDeltas() Stats {
	h.lock()
	defer h.unlock()
	d := h.deltas
	h.deltas = Stats{}
	d.QuarantineBytes = h.quarantine.Bytes()
	d.QuarantineCount = h.quarantine.Len()
	return d
}

// Destroy releases all memory of the heap, including quarantined blocks.
func (h *Heap) Destroy() error {
	h.lock()
	defer h.unlock()
	h.quarantine.Drain()
	h.blocks.Clear()
	return h.arenas.releaseAll()
}

func (h *Heap) captureStack() stackcache.StackID {
	if h.opts.Stacks == nil {
		return 0
	}
	// Skip captureStack, the unlocked operation and its public wrapper.
	return h.opts.Stacks.Capture(3).ID()
}

func (h *Heap) allocate(size, align uintptr) (uintptr, error) {
	if uint64(size) > math.MaxUint32 {
		return 0, fmt.Errorf("%d bytes: %w", size, ErrTooLarge)
	}
	threshold := h.opts.Params.PageHeapThreshold
	var (
		l   Layout
		err error
	)
	if threshold > 0 && uint64(size) >= threshold {
		l, err = h.allocatePages(size, align)
	} else {
		l, err = h.allocateArena(size, align)
	}
	if err != nil {
		return 0, err
	}

	rec := &record{
		layout:     l,
		state:      StateAllocated,
		allocStack: h.captureStack(),
		allocTID:   ThreadID(),
	}
	if l.PageHeap {
		rec.flags |= FlagPageHeap
	}
	if err := h.writeMetadata(rec); err != nil {
		return 0, err
	}
	if !h.blocks.Insert(addrspace.NewRange(l.Block, l.Size), rec) {
		return 0, fmt.Errorf("block at 0x%x overlaps a live block", l.Block)
	}
	h.stats.Allocations++
	h.deltas.Allocations++
	return l.Body, nil
}

func (h *Heap) allocateArena(size, align uintptr) (Layout, error) {
	l, err := planLayout(size, align, h.rz)
	if err != nil {
		return Layout{}, err
	}
	addr, err := h.arenas.allocate(l.Size, align)
	if err != nil {
		return Layout{}, err
	}
	l = l.Offset(addr)
	if err := h.markAllocated(l, l.Block, l.End()); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (h *Heap) allocatePages(size, align uintptr) (Layout, error) {
	pageSize := h.opts.Provider.PageSize()
	l, err := planPageLayout(size, align, pageSize)
	if err != nil {
		return Layout{}, err
	}
	r, err := h.arenas.obtain(l.Size, true)
	if err != nil {
		return Layout{}, err
	}
	r.cursor = r.size
	l = l.Offset(r.base)
	p := h.opts.Provider
	if err := p.Protect(l.Block, pageSize, vmem.ProtNone); err != nil {
		return Layout{}, err
	}
	if err := p.Protect(l.DataEnd, pageSize, vmem.ProtNone); err != nil {
		return Layout{}, err
	}
	if err := h.markAllocated(l, l.DataStart, l.DataEnd); err != nil {
		return Layout{}, err
	}
	h.stats.PageAllocations++
	h.deltas.PageAllocations++
	return l, nil
}

// markAllocated poisons [start, l.Body) as left redzone, unpoisons the body and poisons the
// rest up to end as right redzone.
func (h *Heap) markAllocated(l Layout, start, end uintptr) error {
	s := h.opts.Shadow
	if err := s.Poison(start, l.Body-start, shadow.HeapLeftRedzone); err != nil {
		return err
	}
	if err := s.Unpoison(l.Body, l.BodySize); err != nil {
		return err
	}
	right := core.AlignUp(l.Body+l.BodySize, shadow.Granularity)
	if right < end {
		return s.Poison(right, end-right, shadow.HeapRightRedzone)
	}
	return nil
}

func (h *Heap) metadataBytes(l Layout, write bool) ([]byte, []byte, error) {
	p := h.opts.Provider
	hdr, err := p.Bytes(l.Header, HeaderSize, write)
	if err != nil {
		return nil, nil, fmt.Errorf("header of block 0x%x: %w", l.Block, err)
	}
	trl, err := p.Bytes(l.Trailer, TrailerSize, write)
	if err != nil {
		return nil, nil, fmt.Errorf("trailer of block 0x%x: %w", l.Block, err)
	}
	return hdr, trl, nil
}

func (h *Heap) writeMetadata(rec *record) error {
	hb, tb, err := h.metadataBytes(rec.layout, true)
	if err != nil {
		return err
	}
	l := rec.layout
	hdr := Header{
		State:        rec.state,
		Flags:        rec.flags,
		BodySize:     uint32(l.BodySize),
		AllocStack:   uint32(rec.allocStack),
		LeftPadding:  uint16(min(l.leftPadding(), maxPadding)),
		RightPadding: uint16(min(l.rightPadding(), maxPadding)),
	}
	trl := Trailer{
		FreeStack: uint32(rec.freeStack),
		AllocTID:  rec.allocTID,
		FreeTID:   rec.freeTID,
		BodyHash:  rec.bodyHash,
	}
	seal(&hdr, &trl)
	encodeHeader(hb, &hdr)
	encodeTrailer(tb, &trl)
	return nil
}

// readMetadata decodes and validates the metadata of rec against the mirrored state.
func (h *Heap) readMetadata(rec *record) (Header, Trailer, error) {
	hb, tb, err := h.metadataBytes(rec.layout, false)
	if err != nil {
		return Header{}, Trailer{}, err
	}
	hdr, trl := decodeHeader(hb), decodeTrailer(tb)
	if err := verify(&hdr, &trl); err != nil {
		return hdr, trl, err
	}
	if hdr.State != rec.state || uintptr(hdr.BodySize) != rec.layout.BodySize {
		return hdr, trl, ErrBadHeader
	}
	return hdr, trl, nil
}

// corrupt flags rec and queues a corruption report. The block is never released afterwards.
func (h *Heap) corrupt(rec *record, err error) {
	rec.corrupt = true
	h.stats.CorruptBlocks++
	h.deltas.CorruptBlocks++
	info := h.describe(rec)
	log.Errorf("Heap %d: corrupt block 0x%x (body 0x%x, %d bytes): %v",
		h.id, rec.layout.Block, rec.layout.Body, rec.layout.BodySize, err)
	h.pending = append(h.pending, Corruption{Block: info, Err: err})
}

func (h *Heap) describe(rec *record) BlockInfo {
	info := BlockInfo{
		Heap:       h.id,
		Layout:     rec.layout,
		State:      rec.state,
		AllocStack: rec.allocStack,
		FreeStack:  rec.freeStack,
		AllocTID:   rec.allocTID,
		FreeTID:    rec.freeTID,
	}
	if hb, tb, err := h.metadataBytes(rec.layout, false); err == nil {
		info.Header, info.Trailer = decodeHeader(hb), decodeTrailer(tb)
		info.MetadataValid = true
	}
	return info
}

// lookup finds the block whose body starts at ptr.
func (h *Heap) lookup(ptr uintptr) (*record, error) {
	e, ok := h.blocks.FindAddress(ptr)
	if !ok {
		return nil, fmt.Errorf("0x%x: %w", ptr, ErrNotOwned)
	}
	if e.Value.layout.Body != ptr {
		return nil, fmt.Errorf("0x%x in block 0x%x: %w", ptr, e.Value.layout.Block,
			ErrInvalidPointer)
	}
	return e.Value, nil
}

func (h *Heap) free(ptr uintptr) error {
	rec, err := h.lookup(ptr)
	if err != nil {
		return err
	}
	if rec.corrupt {
		return fmt.Errorf("0x%x: %w", ptr, ErrCorruptBlock)
	}
	if rec.state != StateAllocated {
		return fmt.Errorf("0x%x (%s): %w", ptr, rec.state, ErrDoubleFree)
	}
	if _, _, err := h.readMetadata(rec); err != nil {
		h.corrupt(rec, err)
		return fmt.Errorf("0x%x: %w: %w", ptr, ErrCorruptBlock, err)
	}

	l := rec.layout
	next := *rec
	if h.opts.Params.HashContentsAtFree && !l.PageHeap {
		body, err := h.opts.Provider.Bytes(l.Body, l.BodySize, false)
		if err != nil {
			return fmt.Errorf("0x%x: hashing contents: %w", ptr, err)
		}
		next.bodyHash = bodyHash(body)
		next.flags |= FlagHashed
	}
	next.state = StateQuarantined
	next.freeStack = h.captureStack()
	next.freeTID = ThreadID()
	if err := h.writeMetadata(&next); err != nil {
		return err
	}
	*rec = next

	if l.PageHeap {
		if err := h.opts.Shadow.MarkAsFreed(l.DataStart, l.DataEnd-l.DataStart); err != nil {
			return err
		}
		if err := h.opts.Provider.Protect(l.DataStart, l.DataEnd-l.DataStart,
			vmem.ProtNone); err != nil {
			return err
		}
	} else if err := h.opts.Shadow.MarkAsFreed(l.Block, l.Size); err != nil {
		return err
	}
	h.stats.Frees++
	h.deltas.Frees++

	if uint64(l.Size) > h.opts.Params.QuarantineBlockSize {
		return h.release(rec)
	}
	h.quarantine.Push(rec, uint64(l.Size))
	for _, evicted := range h.quarantine.Trim() {
		if err := h.evict(evicted); err != nil {
			log.Warnf("Heap %d: evicting block 0x%x: %v", h.id, evicted.layout.Block, err)
		}
	}
	return nil
}

func bodyHash(body []byte) uint32 {
	v := xxh3.Hash(body)
	return uint32(v ^ v>>32)
}

// evict checks a block leaving the quarantine and releases it unless it was modified.
func (h *Heap) evict(rec *record) error {
	h.stats.Evictions++
	h.deltas.Evictions++
	l := rec.layout
	if !l.PageHeap {
		if _, _, err := h.readMetadata(rec); err != nil {
			h.corrupt(rec, err)
			return err
		}
		if rec.flags&FlagHashed != 0 {
			body, err := h.opts.Provider.Bytes(l.Body, l.BodySize, false)
			if err != nil {
				return err
			}
			if bodyHash(body) != rec.bodyHash {
				h.corrupt(rec, ErrBodyModified)
				return ErrBodyModified
			}
		}
	}
	return h.release(rec)
}

// release hands the memory of rec back to its arena or to the provider.
func (h *Heap) release(rec *record) error {
	rec.state = StateFreed
	l := rec.layout
	if !l.PageHeap {
		if err := h.writeMetadata(rec); err != nil {
			return err
		}
	}
	h.blocks.Remove(addrspace.NewRange(l.Block, l.Size))
	return h.arenas.release(l.Block, l.Size)
}

func (h *Heap) size(ptr uintptr) (uintptr, bool) {
	rec, err := h.lookup(ptr)
	if err != nil || rec.state != StateAllocated || rec.corrupt {
		return 0, false
	}
	hb, err := h.opts.Provider.Bytes(ptr-HeaderSize, HeaderSize, false)
	if err != nil {
		return 0, false
	}
	hdr := decodeHeader(hb)
	if hdr.Magic != HeaderMagic || hdr.State != StateAllocated {
		return 0, false
	}
	return uintptr(hdr.BodySize), true
}
