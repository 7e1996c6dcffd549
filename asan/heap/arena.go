// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

import (
	"fmt"

	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/core/addrspace"
)

// arenaSize is the size of the regions blocks are carved from. Blocks of more than half of it
// get a dedicated region.
const arenaSize = 1 << 20

// region is memory obtained from the provider.
type region struct {
	base, size uintptr
	// cursor is the offset of the first never used byte.
	cursor uintptr
	// dedicated regions hold exactly one block and are released with it.
	dedicated bool
}

// arenas hands out block memory. Released arena blocks are kept on free lists by size and
// reused for blocks of the same size.
type arenas struct {
	provider vmem.Provider
	shadow   *shadow.Shadow
	regions  *addrspace.AddressSpace[uintptr, *region]
	current  *region
	free     map[uintptr][]uintptr
}

func newArenas(p vmem.Provider, s *shadow.Shadow) *arenas {
	return &arenas{
		provider: p,
		shadow:   s,
		regions:  addrspace.New[uintptr, *region](),
		free:     make(map[uintptr][]uintptr),
	}
}

func (a *arenas) obtain(size uintptr, dedicated bool) (*region, error) {
	base, err := a.provider.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("obtaining %d bytes: %w", size, err)
	}
	size = core.AlignUp(size, a.provider.PageSize())
	r := &region{base: base, size: size, dedicated: dedicated}
	if !a.regions.Insert(addrspace.NewRange(base, size), r) {
		return nil, fmt.Errorf("provider returned overlapping region 0x%x", base)
	}
	if err := a.shadow.Poison(base, size, shadow.AllocRedzone); err != nil {
		return nil, err
	}
	return r, nil
}

// allocate returns size bytes aligned to align. Large blocks get a dedicated region.
func (a *arenas) allocate(size, align uintptr) (uintptr, error) {
	if size > arenaSize/2 {
		r, err := a.obtain(size, true)
		if err != nil {
			return 0, err
		}
		r.cursor = r.size
		return r.base, nil
	}
	if list := a.free[size]; len(list) > 0 {
		for i := len(list) - 1; i >= 0; i-- {
			if core.IsAligned(list[i], align) {
				addr := list[i]
				a.free[size] = append(list[:i], list[i+1:]...)
				return addr, nil
			}
		}
	}
	if a.current != nil {
		start := core.AlignUp(a.current.base+a.current.cursor, align)
		if start+size <= a.current.base+a.current.size {
			a.current.cursor = start + size - a.current.base
			return start, nil
		}
	}
	r, err := a.obtain(arenaSize, false)
	if err != nil {
		return 0, err
	}
	a.current = r
	start := core.AlignUp(r.base, align)
	r.cursor = start + size - r.base
	return start, nil
}

// release returns a block to its arena. Its shadow is reset to arena memory, so accesses
// keep faulting until the memory is reused.
func (a *arenas) release(addr, size uintptr) error {
	e, ok := a.regions.FindAddress(addr)
	if !ok {
		return fmt.Errorf("0x%x is not arena memory", addr)
	}
	if e.Value.dedicated {
		return a.releaseRegion(e.Value)
	}
	if err := a.shadow.Poison(addr, size, shadow.AllocRedzone); err != nil {
		return err
	}
	a.free[size] = append(a.free[size], addr)
	return nil
}

// releaseRegion hands a region back to the provider and forgets its shadow.
func (a *arenas) releaseRegion(r *region) error {
	a.regions.Remove(addrspace.NewRange(r.base, r.size))
	if a.current == r {
		a.current = nil
	}
	if err := a.shadow.Unpoison(r.base, r.size); err != nil {
		return err
	}
	return a.provider.Free(r.base)
}

// releaseAll releases every region.
func (a *arenas) releaseAll() error {
	var firstErr error
	for _, e := range a.regions.Entries() {
		if err := a.releaseRegion(e.Value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(a.free)
	return firstErr
}

// owns reports whether addr lies in one of the regions.
func (a *arenas) owns(addr uintptr) bool {
	_, ok := a.regions.FindAddress(addr)
	return ok
}
