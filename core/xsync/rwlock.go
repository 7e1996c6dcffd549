// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync holds a reader/writer lock that owns the value it guards.
package xsync // import "github.com/syzygy-go/syzygy/core/xsync"

import "sync"

// RWMutex guards a value of type T. The value is only reachable through the pointer handed out
// by RLock or WLock, and the unlock methods clear that pointer.
type RWMutex[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewRWMutex returns a lock guarding v.
func NewRWMutex[T any](v T) RWMutex[T] {
	return RWMutex[T]{value: v}
}

// RLock takes the lock shared. The returned pointer is read-only and must not outlive the
// matching RUnlock.
func (m *RWMutex[T]) RLock() *T {
	m.mu.RLock()
	return &m.value
}

// RUnlock releases a shared lock and clears *ref.
func (m *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	m.mu.RUnlock()
}

// WLock takes the lock exclusively.
func (m *RWMutex[T]) WLock() *T {
	m.mu.Lock()
	return &m.value
}

// WUnlock releases an exclusive lock and clears *ref.
func (m *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	m.mu.Unlock()
}
