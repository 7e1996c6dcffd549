// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmem provides page granular virtual memory to the ASan heaps. Page protections are
// tracked so that an access to a protected or unmapped page fails the way a hardware trap would,
// without the process ever touching such a page.
package vmem // import "github.com/syzygy-go/syzygy/asan/vmem"

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/core/addrspace"
)

// Protection is the access allowed to a page.
type Protection uint8

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtReadWrite:
		return "rw"
	}
	return fmt.Sprintf("prot(%d)", uint8(p))
}

var (
	// ErrAccessViolation is returned for accesses to protected or unmapped pages.
	ErrAccessViolation = errors.New("access violation")
	// ErrNotAllocated is returned when freeing an address that does not start a region.
	ErrNotAllocated = errors.New("address is not an allocated region")
	// ErrUnaligned is returned for page operations on unaligned addresses.
	ErrUnaligned = errors.New("address is not page aligned")
)

// Provider hands out page aligned regions of memory.
type Provider interface {
	PageSize() uintptr
	// Allocate returns a readable and writable region of at least size bytes.
	Allocate(size uintptr) (uintptr, error)
	// Free releases a region returned by Allocate.
	Free(addr uintptr) error
	// Protect changes the protection of the pages covering [addr, addr+size).
	Protect(addr, size uintptr, prot Protection) error
	// Bytes returns the memory at [addr, addr+size), failing with ErrAccessViolation unless every
	// page allows the access.
	Bytes(addr, size uintptr, write bool) ([]byte, error)
	// Protection returns the protection of the page holding addr.
	Protection(addr uintptr) (Protection, error)
}

type region struct {
	base uintptr
	data []byte
	prot []Protection
}

// regions is the bookkeeping shared by the providers.
type regions struct {
	mu       sync.Mutex
	pageSize uintptr
	space    *addrspace.AddressSpace[uintptr, *region]
}

func newRegions(pageSize uintptr) regions {
	return regions{pageSize: pageSize, space: addrspace.New[uintptr, *region]()}
}

func (rs *regions) add(base uintptr, data []byte) {
	pages := uintptr(len(data)) / rs.pageSize
	r := &region{base: base, data: data, prot: make([]Protection, pages)}
	for i := range r.prot {
		r.prot[i] = ProtReadWrite
	}
	rs.space.Insert(addrspace.NewRange(base, uintptr(len(data))), r)
}

func (rs *regions) remove(addr uintptr) (*region, error) {
	e, ok := rs.space.FindAddress(addr)
	if !ok || e.Range.Start() != addr {
		return nil, fmt.Errorf("0x%x: %w", addr, ErrNotAllocated)
	}
	rs.space.Remove(e.Range)
	return e.Value, nil
}

// find returns the region holding all of [addr, addr+size).
func (rs *regions) find(addr, size uintptr) (*region, error) {
	e, ok := rs.space.FindContaining(addrspace.NewRange(addr, max(size, 1)))
	if !ok {
		return nil, fmt.Errorf("0x%x+%d is not mapped: %w", addr, size, ErrAccessViolation)
	}
	return e.Value, nil
}

func (rs *regions) protect(addr, size uintptr, prot Protection) (*region, error) {
	if !core.IsAligned(addr, rs.pageSize) {
		return nil, fmt.Errorf("0x%x: %w", addr, ErrUnaligned)
	}
	size = core.AlignUp(size, rs.pageSize)
	r, err := rs.find(addr, size)
	if err != nil {
		return nil, err
	}
	first := (addr - r.base) / rs.pageSize
	for i := range size / rs.pageSize {
		r.prot[first+i] = prot
	}
	return r, nil
}

func (rs *regions) bytes(addr, size uintptr, write bool) ([]byte, error) {
	r, err := rs.find(addr, size)
	if err != nil {
		return nil, err
	}
	off := addr - r.base
	if size > 0 {
		for page := off / rs.pageSize; page <= (off+size-1)/rs.pageSize; page++ {
			p := r.prot[page]
			if p == ProtNone || write && p != ProtReadWrite {
				return nil, fmt.Errorf("0x%x is %v: %w", r.base+page*rs.pageSize, p,
					ErrAccessViolation)
			}
		}
	}
	return r.data[off : off+size : off+size], nil
}

func (rs *regions) protection(addr uintptr) (Protection, error) {
	r, err := rs.find(addr, 1)
	if err != nil {
		return ProtNone, err
	}
	return r.prot[(addr-r.base)/rs.pageSize], nil
}

// Simulated is a provider backed by the Go heap that places regions in a private address range.
// Regions are separated by at least one unmapped page.
type Simulated struct {
	regions
	next uintptr
}

var _ Provider = &Simulated{}

// DefaultSimulatedBase is where NewSimulated places its first region.
const DefaultSimulatedBase = 0x10000000

// NewSimulated creates a provider handing out addresses from base upwards.
func NewSimulated(base, pageSize uintptr) (*Simulated, error) {
	if !core.IsPowerOfTwo(uint64(pageSize)) {
		return nil, fmt.Errorf("page size %d is not a power of two", pageSize)
	}
	if !core.IsAligned(base, pageSize) {
		return nil, fmt.Errorf("0x%x: %w", base, ErrUnaligned)
	}
	return &Simulated{regions: newRegions(pageSize), next: base}, nil
}

func (s *Simulated) PageSize() uintptr { return s.pageSize }

func (s *Simulated) Allocate(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, errors.New("zero sized allocation")
	}
	size = core.AlignUp(size, s.pageSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.next
	if addr+size+s.pageSize < addr {
		return 0, errors.New("simulated address space exhausted")
	}
	s.next = addr + size + s.pageSize
	s.add(addr, make([]byte, size))
	return addr, nil
}

func (s *Simulated) Free(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.remove(addr)
	return err
}

func (s *Simulated) Protect(addr, size uintptr, prot Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.protect(addr, size, prot)
	return err
}

func (s *Simulated) Bytes(addr, size uintptr, write bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes(addr, size, write)
}

func (s *Simulated) Protection(addr uintptr) (Protection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protection(addr)
}
