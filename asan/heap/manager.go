// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/metrics"
)

// Manager owns the heaps of a process. The process heap is created with the manager and lives
// until Close.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	heaps   map[HeapID]*Heap
	nextID  HeapID
	process HeapID
}

// NewManager creates a manager and its process heap.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts:   opts,
		heaps:  make(map[HeapID]*Heap),
		nextID: 1,
	}
	id, err := m.CreateHeap()
	if err != nil {
		return nil, err
	}
	m.process = id
	return m, nil
}

// Provider returns the memory provider of the heaps.
func (m *Manager) Provider() vmem.Provider { return m.opts.Provider }

// Shadow returns the shadow marked by the heaps.
func (m *Manager) Shadow() *shadow.Shadow { return m.opts.Shadow }

// ProcessHeap returns the id of the heap created with the manager.
func (m *Manager) ProcessHeap() HeapID { return m.process }

// CreateHeap creates an empty heap.
func (m *Manager) CreateHeap() (HeapID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	h, err := New(id, m.opts)
	if err != nil {
		return 0, err
	}
	m.nextID++
	m.heaps[id] = h
	return id, nil
}

// DestroyHeap releases a heap and all of its blocks. The process heap cannot be destroyed.
func (m *Manager) DestroyHeap(id HeapID) error {
	if id == m.process {
		return fmt.Errorf("heap %d is the process heap", id)
	}
	m.mu.Lock()
	h, ok := m.heaps[id]
	delete(m.heaps, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("heap %d: %w", id, ErrUnknownHeap)
	}
	return h.Destroy()
}

// Heap returns the heap with the given id.
func (m *Manager) Heap(id HeapID) (*Heap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heaps[id]
	if !ok {
		return nil, fmt.Errorf("heap %d: %w", id, ErrUnknownHeap)
	}
	return h, nil
}

// Allocate allocates size bytes from heap id.
func (m *Manager) Allocate(id HeapID, size uintptr) (uintptr, error) {
	h, err := m.Heap(id)
	if err != nil {
		return 0, err
	}
	return h.Allocate(size)
}

// Free frees the block of heap id whose body starts at ptr.
func (m *Manager) Free(id HeapID, ptr uintptr) error {
	h, err := m.Heap(id)
	if err != nil {
		return err
	}
	return h.Free(ptr)
}

// Size returns the body size of the block of heap id whose body starts at ptr.
func (m *Manager) Size(id HeapID, ptr uintptr) (uintptr, bool) {
	h, err := m.Heap(id)
	if err != nil {
		return 0, false
	}
	return h.Size(ptr)
}

// Lock acquires heap id until the returned transaction is unlocked. Operations that must not
// interleave with other callers go through the transaction.
func (m *Manager) Lock(id HeapID) (*Tx, error) {
	h, err := m.Heap(id)
	if err != nil {
		return nil, err
	}
	h.lock()
	return &Tx{heap: h}, nil
}

// Locked runs fn with heap id locked.
func (m *Manager) Locked(id HeapID, fn func(*Tx) error) error {
	tx, err := m.Lock(id)
	if err != nil {
		return err
	}
	defer tx.Unlock()
	return fn(tx)
}

// FindBlock describes the block containing addr in any heap.
func (m *Manager) FindBlock(addr uintptr) (BlockInfo, bool) {
	for _, h := range m.snapshot() {
		if info, ok := h.FindBlock(addr); ok {
			return info, true
		}
	}
	return BlockInfo{}, false
}

// FindOwner returns the id of the heap whose memory holds addr.
func (m *Manager) FindOwner(addr uintptr) (HeapID, bool) {
	for _, h := range m.snapshot() {
		if h.Owns(addr) {
			return h.id, true
		}
	}
	return 0, false
}

func (m *Manager) snapshot() []*Heap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	heaps := make([]*Heap, 0, len(m.heaps))
	for _, id := range core.SortedKeys(m.heaps) {
		heaps = append(heaps, m.heaps[id])
	}
	return heaps
}

// CollectMetrics hands the counters of every heap accumulated since the previous call to the
// metrics package.
func (m *Manager) CollectMetrics() {
	var total Stats
	for _, h := range m.snapshot() {
		d := h.drainDeltas()
		total.Allocations += d.Allocations
		total.Frees += d.Frees
		total.PageAllocations += d.PageAllocations
		total.Evictions += d.Evictions
		total.CorruptBlocks += d.CorruptBlocks
		total.QuarantineBytes += d.QuarantineBytes
	}
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDHeapAllocations, Value: metrics.MetricValue(total.Allocations)},
		{ID: metrics.IDHeapFrees, Value: metrics.MetricValue(total.Frees)},
		{ID: metrics.IDHeapPageAllocations, Value: metrics.MetricValue(total.PageAllocations)},
		{ID: metrics.IDQuarantineEvictions, Value: metrics.MetricValue(total.Evictions)},
		{ID: metrics.IDQuarantineBytes, Value: metrics.MetricValue(total.QuarantineBytes)},
		{ID: metrics.IDCorruptBlocks, Value: metrics.MetricValue(total.CorruptBlocks)},
	})
}

// Close destroys every heap, the process heap included.
func (m *Manager) Close() error {
	m.mu.Lock()
	heaps := m.heaps
	m.heaps = make(map[HeapID]*Heap)
	m.mu.Unlock()
	var errs []error
	for _, id := range core.SortedKeys(heaps) {
		errs = append(errs, heaps[id].Destroy())
	}
	return errors.Join(errs...)
}

// Tx is a locked heap. Its methods run without taking the heap lock again. A Tx must not be
// used after Unlock.
type Tx struct {
	heap *Heap
	done bool
}

// Allocate allocates size bytes.
func (tx *Tx) Allocate(size uintptr) (uintptr, error) {
	return tx.heap.allocate(size, DefaultAlignment)
}

// AllocateAligned allocates size bytes aligned to align.
func (tx *Tx) AllocateAligned(size, align uintptr) (uintptr, error) {
	return tx.heap.allocate(size, align)
}

// Free frees the block whose body starts at ptr.
func (tx *Tx) Free(ptr uintptr) error {
	return tx.heap.free(ptr)
}

// Size returns the body size of the block whose body starts at ptr.
func (tx *Tx) Size(ptr uintptr) (uintptr, bool) {
	return tx.heap.size(ptr)
}

// Unlock releases the heap. Further calls are no-ops.
func (tx *Tx) Unlock() {
	if tx.done {
		return
	}
	tx.done = true
	tx.heap.unlock()
}
