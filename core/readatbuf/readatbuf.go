// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf adds a page granular LRU cache in front of an io.ReaderAt. The PDB reader uses
// it so that scattered stream pages of a multi-stream file are fetched from disk only once.
package readatbuf // import "github.com/syzygy-go/syzygy/core/readatbuf"

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/elastic/go-freelru"

	"github.com/syzygy-go/syzygy/core/hash"
)

// page is a cached region of the underlying reader. A short page marks the end of the input.
type page struct {
	data []byte
	eof  bool
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Reader caches fixed size pages of an underlying io.ReaderAt.
type Reader struct {
	inner    io.ReaderAt
	cache    *lru.LRU[uint32, page]
	pageSize uint32
	stats    Statistics
	spare    []byte
}

func hashPageIndex(v uint32) uint32 {
	return hash.Uint32(v)
}

// New creates a cached reader over inner. Pages are pageSize bytes and at most cachedPages of
// them are held at once.
func New(inner io.ReaderAt, pageSize, cachedPages uint32) (*Reader, error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cachedPages == 0 {
		return nil, errors.New("cachedPages cannot be zero")
	}

	cache, err := lru.New[uint32, page](cachedPages, hashPageIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	r := &Reader{
		inner:    inner,
		cache:    cache,
		pageSize: pageSize,
	}
	cache.SetOnEvict(func(_ uint32, p page) {
		r.stats.Evictions++
		// Short pages keep their full capacity, so the buffer can be recycled at full size.
		r.spare = p.data[:pageSize]
	})
	return r, nil
}

// PageSize returns the granularity of the cache.
func (r *Reader) PageSize() uint32 {
	return r.pageSize
}

// InvalidateCache drops all cached pages and resets the statistics.
func (r *Reader) InvalidateCache() {
	r.cache.Purge()
	r.stats = Statistics{}
}

// Statistics returns statistics about cache efficiency.
func (r *Reader) Statistics() Statistics {
	return r.stats
}

// ReadPage returns the cached content of page idx. The returned slice is owned by the cache and
// must not be modified. A page at the end of the input may be shorter than PageSize.
func (r *Reader) ReadPage(idx uint32) ([]byte, error) {
	data, _, err := r.page(idx)
	return data, err
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads bypass the cache so that one bulk copy does not evict everything else.
	if uint64(len(p)) > uint64(r.pageSize)*3/2 {
		return r.inner.ReadAt(p, off)
	}

	written := 0
	skip := uint32(uint64(off) % uint64(r.pageSize))
	idx := uint32(uint64(off) / uint64(r.pageSize))

	for written < len(p) {
		data, eof, err := r.page(idx)
		if err != nil {
			return written, err
		}
		if int(skip) > len(data) {
			return written, io.EOF
		}
		n := copy(p[written:], data[skip:])
		written += n
		skip = 0
		idx++

		if eof && written < len(p) {
			return written, io.EOF
		}
	}
	return written, nil
}

func (r *Reader) page(idx uint32) ([]byte, bool, error) {
	if cached, ok := r.cache.Get(idx); ok {
		r.stats.Hits++
		return cached.data, cached.eof, nil
	}
	r.stats.Misses++

	buf := r.spare
	r.spare = nil
	if buf == nil {
		buf = make([]byte, r.pageSize)
	}

	eof := false
	n, err := r.inner.ReadAt(buf, int64(idx)*int64(r.pageSize))
	switch {
	case errors.Is(err, io.EOF):
		// Reading past the caller's range is speculative, so EOF is expected here.
		buf = buf[:n]
		eof = true
	case err != nil:
		return nil, false, err
	case uint32(n) < r.pageSize:
		return nil, false, errors.New("failed to read whole page")
	}

	r.cache.Add(idx, page{data: buf, eof: eof})
	return buf, eof, nil
}
