// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackcache interns stack captures. Identical stacks share one capture, so heap block
// headers only need to store a 32-bit stack id.
package stackcache // import "github.com/syzygy-go/syzygy/asan/stackcache"

import (
	"encoding/binary"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/metrics"
)

// StackID identifies a stack by the fingerprint of its frames.
type StackID uint32

// capturesPerPage is the number of captures held by one arena page.
const capturesPerPage = 256

// StackCapture is an interned stack. Captures returned by a Cache are never moved or modified.
type StackCapture struct {
	id        StackID
	numFrames uint8
	frames    [config.MaxFrames]uintptr
}

// ID returns the fingerprint of the frames.
func (c *StackCapture) ID() StackID { return c.id }

// NumFrames returns the number of captured frames.
func (c *StackCapture) NumFrames() int { return int(c.numFrames) }

// Frames returns the captured program counters, innermost first.
func (c *StackCapture) Frames() []uintptr { return c.frames[:c.numFrames] }

// Fingerprint computes the id of a stack made of frames.
func Fingerprint(frames []uintptr) StackID {
	buf := make([]byte, 0, 8*len(frames))
	for _, pc := range frames {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(pc))
	}
	h := xxh3.Hash(buf)
	return StackID(h ^ h>>32)
}

// page is a block of capture slots. Pages are linked to the previously filled page and live
// as long as the cache.
type page struct {
	prev  *page
	used  int
	slots [capturesPerPage]StackCapture
}

// Stats describes the cache contents.
type Stats struct {
	Pages int
	// Unique is the number of interned captures.
	Unique uint64
	// Total is the number of captures requested, including ones already present.
	Total uint64
}

// Compression returns the share of requested captures served from the cache.
func (s Stats) Compression() float64 {
	if s.Total == 0 {
		return 0
	}
	return 1 - float64(s.Unique)/float64(s.Total)
}

// Cache interns stack captures. It is safe for concurrent use.
type Cache struct {
	maxFrames       int
	bottomSkip      int
	reportingPeriod uint64

	mu    sync.Mutex
	page  *page
	pages int
	known map[StackID]*StackCapture
	total uint64

	// deltas handed to metrics
	inserts, hits uint64
}

// New creates a cache configured by p.
func New(p *config.AgentParameters) *Cache {
	return &Cache{
		maxFrames:       p.MaxNumFrames,
		bottomSkip:      p.BottomFramesToSkip,
		reportingPeriod: p.ReportingPeriod,
		known:           make(map[StackID]*StackCapture),
	}
}

// Save interns a stack made of frames, innermost first. Frames beyond the configured maximum
// are dropped from the outer end after skipping the configured number of outermost frames.
// Saving a stack with a known fingerprint returns the existing capture.
func (c *Cache) Save(frames []uintptr) *StackCapture {
	if n := len(frames) - c.bottomSkip; n > 0 {
		frames = frames[:n]
	} else {
		frames = nil
	}
	if len(frames) > c.maxFrames {
		frames = frames[:c.maxFrames]
	}
	id := Fingerprint(frames)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if existing, ok := c.known[id]; ok {
		c.hits++
		c.maybeReport()
		return existing
	}
	if c.page == nil || c.page.used == capturesPerPage {
		c.page = &page{prev: c.page}
		c.pages++
	}
	slot := &c.page.slots[c.page.used]
	c.page.used++
	slot.id = id
	slot.numFrames = uint8(copy(slot.frames[:], frames))
	c.known[id] = slot
	c.inserts++
	c.maybeReport()
	return slot
}

// Capture interns the stack of the calling goroutine. skip is the number of callers to omit,
// 0 identifying the caller of Capture.
func (c *Cache) Capture(skip int) *StackCapture {
	var pcs [config.MaxFrames + 8]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return c.Save(pcs[:n])
}

// Lookup returns the capture with the given id.
func (c *Cache) Lookup(id StackID) (*StackCapture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.known[id]
	return s, ok
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats()
}

func (c *Cache) stats() Stats {
	return Stats{Pages: c.pages, Unique: uint64(len(c.known)), Total: c.total}
}

// maybeReport logs the compression every reportingPeriod captures. Called with c.mu held.
func (c *Cache) maybeReport() {
	if c.reportingPeriod == 0 || c.total%c.reportingPeriod != 0 {
		return
	}
	s := c.stats()
	log.Infof("Stack cache: %d unique of %d captures in %d pages, compression %.2f%%",
		s.Unique, s.Total, s.Pages, 100*s.Compression())
}

// CollectMetrics hands the counters accumulated since the previous call to the metrics
// package.
func (c *Cache) CollectMetrics() {
	c.mu.Lock()
	inserts, hits := c.inserts, c.hits
	c.inserts, c.hits = 0, 0
	compression := c.stats().Compression()
	c.mu.Unlock()

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDStackCacheInserts, Value: metrics.MetricValue(inserts)},
		{ID: metrics.IDStackCacheHits, Value: metrics.MetricValue(hits)},
		{ID: metrics.IDStackCacheCompression, Value: metrics.MetricValue(1000 * compression)},
	})
}
