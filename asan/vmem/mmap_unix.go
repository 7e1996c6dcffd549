// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package vmem // import "github.com/syzygy-go/syzygy/asan/vmem"

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a provider backed by anonymous private mappings. Protection changes are applied to
// the mapping as well as recorded, so stray accesses that bypass Bytes really fault.
type Mapped struct {
	regions
}

var _ Provider = &Mapped{}

// NewMapped creates a provider using the system page size.
func NewMapped() *Mapped {
	return &Mapped{regions: newRegions(uintptr(os.Getpagesize()))}
}

func (m *Mapped) PageSize() uintptr { return m.pageSize }

func (m *Mapped) Allocate(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, errors.New("zero sized allocation")
	}
	size = alignPage(size, m.pageSize)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	m.mu.Lock()
	m.add(addr, data)
	m.mu.Unlock()
	return addr, nil
}

func (m *Mapped) Free(addr uintptr) error {
	m.mu.Lock()
	r, err := m.remove(addr)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return unix.Munmap(r.data)
}

func (m *Mapped) Protect(addr, size uintptr, prot Protection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.protect(addr, size, prot)
	if err != nil {
		return err
	}
	off := addr - r.base
	size = alignPage(size, m.pageSize)
	return unix.Mprotect(r.data[off:off+size], unixProt(prot))
}

func (m *Mapped) Bytes(addr, size uintptr, write bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes(addr, size, write)
}

func (m *Mapped) Protection(addr uintptr) (Protection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protection(addr)
}

func unixProt(p Protection) int {
	switch p {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_NONE
}

func alignPage(size, pageSize uintptr) uintptr {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
