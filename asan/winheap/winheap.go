// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package winheap exposes the heap manager through the shape of the Windows heap API, so
// intercepted HeapAlloc style calls can be forwarded unchanged.
package winheap // import "github.com/syzygy-go/syzygy/asan/winheap"

import (
	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/vmem"
)

// Handle is a heap handle. Zero is never a valid handle.
type Handle = heap.HeapID

// Heap API flags.
const (
	NoSerialize         uint32 = 0x00000001
	GenerateExceptions  uint32 = 0x00000004
	ZeroMemory          uint32 = 0x00000008
	ReallocInPlaceOnly  uint32 = 0x00000010
	CreateEnableExecute uint32 = 0x00040000
)

// SizeFailure is returned by HeapSize for pointers it cannot size.
const SizeFailure = ^uintptr(0)

// ops are the heap operations shared by unlocked and locked heaps.
type ops interface {
	Allocate(size uintptr) (uintptr, error)
	Free(ptr uintptr) error
	Size(ptr uintptr) (uintptr, bool)
}

// Adapter forwards heap API calls to a heap manager. It keeps no state of its own.
type Adapter struct {
	heaps    *heap.Manager
	provider vmem.Provider
}

// New creates an adapter over m.
func New(m *heap.Manager) *Adapter {
	return &Adapter{heaps: m, provider: m.Provider()}
}

// GetProcessHeap returns the handle of the process heap.
func (a *Adapter) GetProcessHeap() Handle {
	return a.heaps.ProcessHeap()
}

// HeapCreate creates a heap. The sizes are accepted for compatibility and ignored.
func (a *Adapter) HeapCreate(options uint32, initialSize, maximumSize uintptr) Handle {
	id, err := a.heaps.CreateHeap()
	if err != nil {
		log.Warnf("HeapCreate(0x%x, %d, %d): %v", options, initialSize, maximumSize, err)
		return 0
	}
	return id
}

// HeapDestroy destroys a heap created by HeapCreate.
func (a *Adapter) HeapDestroy(h Handle) bool {
	if err := a.heaps.DestroyHeap(h); err != nil {
		log.Debugf("HeapDestroy(%d): %v", h, err)
		return false
	}
	return true
}

func (a *Adapter) heap(h Handle) (ops, bool) {
	hp, err := a.heaps.Heap(h)
	if err != nil {
		log.Debugf("Heap %d: %v", h, err)
		return nil, false
	}
	return hp, true
}

// HeapAlloc allocates bytes from h. It returns 0 on failure.
func (a *Adapter) HeapAlloc(h Handle, flags uint32, bytes uintptr) uintptr {
	o, ok := a.heap(h)
	if !ok {
		return 0
	}
	return a.alloc(o, flags, bytes)
}

// HeapReAlloc resizes the block at mem. Blocks are never resized in place: a new block receives
// the common prefix of the contents and the old block is freed.
func (a *Adapter) HeapReAlloc(h Handle, flags uint32, mem, bytes uintptr) uintptr {
	o, ok := a.heap(h)
	if !ok {
		return 0
	}
	return a.realloc(o, flags, mem, bytes)
}

// HeapFree frees the block at mem. Freeing 0 succeeds.
func (a *Adapter) HeapFree(h Handle, flags uint32, mem uintptr) bool {
	o, ok := a.heap(h)
	if !ok {
		return false
	}
	return free(o, mem)
}

// HeapSize returns the size of the block at mem, or SizeFailure.
func (a *Adapter) HeapSize(h Handle, flags uint32, mem uintptr) uintptr {
	o, ok := a.heap(h)
	if !ok {
		return SizeFailure
	}
	return size(o, mem)
}

// HeapLock locks h. Calls that must observe the lock go through the returned heap, which must
// be released with HeapUnlock.
func (a *Adapter) HeapLock(h Handle) (*LockedHeap, bool) {
	tx, err := a.heaps.Lock(h)
	if err != nil {
		log.Debugf("HeapLock(%d): %v", h, err)
		return nil, false
	}
	return &LockedHeap{adapter: a, tx: tx}, true
}

// HeapValidate reports every heap as valid; corruption is detected when blocks are freed.
func (a *Adapter) HeapValidate(h Handle, flags uint32, mem uintptr) bool { return true }

// HeapCompact reports the largest committed free block, which the redzoned heaps do not track.
func (a *Adapter) HeapCompact(h Handle, flags uint32) uintptr { return 0 }

// HeapWalk does not enumerate blocks.
func (a *Adapter) HeapWalk(h Handle) bool { return false }

// HeapSetInformation accepts and ignores every information class.
func (a *Adapter) HeapSetInformation(h Handle, class uint32, info []byte) bool { return true }

// HeapQueryInformation does not answer any information class.
func (a *Adapter) HeapQueryInformation(h Handle, class uint32, info []byte) (uintptr, bool) {
	return 0, false
}

// LockedHeap is a heap held by HeapLock.
type LockedHeap struct {
	adapter *Adapter
	tx      *heap.Tx
}

// HeapAlloc allocates bytes from the locked heap.
func (l *LockedHeap) HeapAlloc(flags uint32, bytes uintptr) uintptr {
	return l.adapter.alloc(l.tx, flags, bytes)
}

// HeapReAlloc resizes the block at mem in the locked heap.
func (l *LockedHeap) HeapReAlloc(flags uint32, mem, bytes uintptr) uintptr {
	return l.adapter.realloc(l.tx, flags, mem, bytes)
}

// HeapFree frees the block at mem in the locked heap.
func (l *LockedHeap) HeapFree(flags uint32, mem uintptr) bool {
	return free(l.tx, mem)
}

// HeapSize returns the size of the block at mem in the locked heap.
func (l *LockedHeap) HeapSize(flags uint32, mem uintptr) uintptr {
	return size(l.tx, mem)
}

// HeapUnlock releases the heap.
func (l *LockedHeap) HeapUnlock() bool {
	l.tx.Unlock()
	return true
}

func (a *Adapter) alloc(o ops, flags uint32, bytes uintptr) uintptr {
	ptr, err := o.Allocate(bytes)
	if err != nil {
		log.Debugf("HeapAlloc(0x%x, %d): %v", flags, bytes, err)
		return 0
	}
	if flags&ZeroMemory != 0 && !a.zero(ptr, bytes) {
		_ = o.Free(ptr)
		return 0
	}
	return ptr
}

func (a *Adapter) realloc(o ops, flags uint32, mem, bytes uintptr) uintptr {
	if flags&ReallocInPlaceOnly != 0 || mem == 0 {
		return 0
	}
	old, ok := o.Size(mem)
	if !ok {
		return 0
	}
	ptr, err := o.Allocate(bytes)
	if err != nil {
		log.Debugf("HeapReAlloc(0x%x, 0x%x, %d): %v", flags, mem, bytes, err)
		return 0
	}
	keep := min(old, bytes)
	if keep > 0 {
		src, err := a.provider.Bytes(mem, keep, false)
		if err == nil {
			var dst []byte
			if dst, err = a.provider.Bytes(ptr, keep, true); err == nil {
				copy(dst, src)
			}
		}
		if err != nil {
			log.Debugf("HeapReAlloc copying 0x%x: %v", mem, err)
			_ = o.Free(ptr)
			return 0
		}
	}
	if flags&ZeroMemory != 0 && bytes > keep && !a.zero(ptr+keep, bytes-keep) {
		_ = o.Free(ptr)
		return 0
	}
	if err := o.Free(mem); err != nil {
		log.Debugf("HeapReAlloc freeing 0x%x: %v", mem, err)
	}
	return ptr
}

func (a *Adapter) zero(ptr, n uintptr) bool {
	if n == 0 {
		return true
	}
	b, err := a.provider.Bytes(ptr, n, true)
	if err != nil {
		log.Debugf("Zeroing 0x%x: %v", ptr, err)
		return false
	}
	clear(b)
	return true
}

func free(o ops, mem uintptr) bool {
	if mem == 0 {
		return true
	}
	if err := o.Free(mem); err != nil {
		log.Debugf("HeapFree(0x%x): %v", mem, err)
		return false
	}
	return true
}

func size(o ops, mem uintptr) uintptr {
	n, ok := o.Size(mem)
	if !ok {
		return SizeFailure
	}
	return n
}
