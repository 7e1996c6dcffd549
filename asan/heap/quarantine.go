// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package heap // import "github.com/syzygy-go/syzygy/asan/heap"

// Quarantine is a first-in-first-out ring of freed blocks bounded by the total size of the
// blocks and by their count. The ring grows when full. It is not safe for concurrent use; the
// owning heap's lock guards it.
type Quarantine[T any] struct {
	data  []entry[T]
	empty entry[T]

	readPos int
	count   int
	bytes   uint64

	maxBytes uint64
	// maxCount of 0 means no count limit.
	maxCount uint64
}

type entry[T any] struct {
	item T
	size uint64
}

// NewQuarantine creates a quarantine holding at most maxBytes bytes and maxCount blocks.
func NewQuarantine[T any](maxBytes, maxCount uint64) *Quarantine[T] {
	return &Quarantine[T]{data: make([]entry[T], 16), maxBytes: maxBytes, maxCount: maxCount}
}

// Push appends item of the given size.
func (q *Quarantine[T]) Push(item T, size uint64) {
	if q.count == len(q.data) {
		grown := make([]entry[T], 2*len(q.data))
		for i := range q.count {
			grown[i] = q.data[(q.readPos+i)%len(q.data)]
		}
		q.data = grown
		q.readPos = 0
	}
	q.data[(q.readPos+q.count)%len(q.data)] = entry[T]{item: item, size: size}
	q.count++
	q.bytes += size
}

// Pop removes the oldest item.
func (q *Quarantine[T]) Pop() (T, bool) {
	if q.count == 0 {
		return q.empty.item, false
	}
	e := q.data[q.readPos]
	// Allow for the entry to be GCed
	q.data[q.readPos] = q.empty
	q.readPos = (q.readPos + 1) % len(q.data)
	q.count--
	q.bytes -= e.size
	return e.item, true
}

// OverBudget reports whether the quarantine holds more than its limits allow.
func (q *Quarantine[T]) OverBudget() bool {
	return q.bytes > q.maxBytes || (q.maxCount > 0 && uint64(q.count) > q.maxCount)
}

// Trim pops items while the quarantine is over budget and returns them oldest first.
func (q *Quarantine[T]) Trim() []T {
	var evicted []T
	for q.OverBudget() {
		item, ok := q.Pop()
		if !ok {
			break
		}
		evicted = append(evicted, item)
	}
	return evicted
}

// Drain removes every item, oldest first.
func (q *Quarantine[T]) Drain() []T {
	out := make([]T, 0, q.count)
	for {
		item, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// Len returns the number of quarantined items.
func (q *Quarantine[T]) Len() int { return q.count }

// Bytes returns the total size of the quarantined items.
func (q *Quarantine[T]) Bytes() uint64 { return q.bytes }
