// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package calltrace logs function calls into trace segments. Function names and stacks are
// interned per logger: the first use of a name or of an emitted stack writes a record binding
// it to a 32-bit id, later uses only carry the id.
package calltrace // import "github.com/syzygy-go/syzygy/calltrace"

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/asan/stackcache"
	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/core"
	"github.com/syzygy-go/syzygy/times"
	"github.com/syzygy-go/syzygy/trace"
)

// Logger holds the state shared by the writers of a trace session.
type Logger struct {
	tracking  config.StackTracking
	serialize bool
	session   *trace.Session
	stacks    *stackcache.Cache

	// mu guards the fields below.
	mu      sync.Mutex
	names   map[string]uint32
	emitted core.Set[stackcache.StackID]
	counter uint64
}

// New creates a logger writing to session. stacks may be nil, in which case the logger keeps
// its own cache.
func New(p *config.AgentParameters, session *trace.Session, stacks *stackcache.Cache) *Logger {
	if stacks == nil {
		stacks = stackcache.New(p)
	}
	return &Logger{
		tracking:  p.StackTracking,
		serialize: p.SerializeTimestamps,
		session:   session,
		stacks:    stacks,
		names:     make(map[string]uint32),
		emitted:   make(core.Set[stackcache.StackID]),
	}
}

// NumFunctions returns the number of interned function names.
func (l *Logger) NumFunctions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

// Session returns the session the logger writes to.
func (l *Logger) Session() *trace.Session { return l.session }

// timestamp returns the next logger counter value when timestamps are serialized and the
// monotonic clock otherwise.
func (l *Logger) timestamp() uint64 {
	if !l.serialize {
		return uint64(times.Now())
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

// Writer appends records for one thread. A Writer must not be used concurrently.
type Writer struct {
	logger *Logger
	seg    *trace.Segment
}

// NewWriter returns a writer with a fresh segment for threadID.
func (l *Logger) NewWriter(threadID uint32) *Writer {
	return &Writer{logger: l, seg: l.session.NewSegment(threadID)}
}

// allocate frames a record in the current segment. When the segment is full it is exchanged
// for a fresh one and the allocation is retried once. A nil result means the event was
// dropped.
func (w *Writer) allocate(t trace.RecordType, size int) []byte {
	if buf := w.seg.Allocate(t, size); buf != nil {
		return buf
	}
	next, err := w.logger.session.Exchange(w.seg)
	if err != nil {
		log.Debugf("Failed to exchange trace segment: %v", err)
		w.logger.session.Drop()
		return nil
	}
	w.seg = next
	if buf := w.seg.Allocate(t, size); buf != nil {
		return buf
	}
	w.logger.session.Drop()
	return nil
}

// FunctionID returns the id of name. Ids are assigned in first-seen order starting at 0, and
// the first call for a name writes its name record.
func (w *Writer) FunctionID(name string) uint32 {
	l := w.logger
	l.mu.Lock()
	id, ok := l.names[name]
	if !ok {
		id = uint32(len(l.names))
		l.names[name] = id
	}
	l.mu.Unlock()
	if ok {
		return id
	}
	rec := trace.FunctionName{ID: id, Name: name}
	if buf := w.allocate(trace.RecordFunctionName, rec.Size()); buf != nil {
		rec.Encode(buf)
	}
	return id
}

// StackTraceID returns the id of the calling stack according to the stack tracking policy:
// 0 without tracking, the stack fingerprint otherwise. With emit tracking the first use of
// a stack writes its frames.
func (w *Writer) StackTraceID() uint32 {
	l := w.logger
	if l.tracking == config.TrackingNone {
		return 0
	}
	capture := l.stacks.Capture(1)
	id := capture.ID()
	if l.tracking != config.TrackingEmit {
		return uint32(id)
	}

	l.mu.Lock()
	seen := l.emitted.Has(id)
	l.emitted.Add(id)
	l.mu.Unlock()
	if seen {
		return uint32(id)
	}
	frames := capture.Frames()
	rec := trace.StackTrace{ID: uint32(id), Frames: make([]uint64, len(frames))}
	for i, pc := range frames {
		rec.Frames[i] = uint64(pc)
	}
	if buf := w.allocate(trace.RecordStackTrace, rec.Size()); buf != nil {
		rec.Encode(buf)
	} else {
		// Dropped, so a later use writes the frames again.
		l.mu.Lock()
		delete(l.emitted, id)
		l.mu.Unlock()
	}
	return uint32(id)
}

// EmitDetailedCall writes a call of function fid from stack sid with the given argument
// bytes. It reports whether the record was written.
func (w *Writer) EmitDetailedCall(fid, sid uint32, args ...[]byte) bool {
	rec := trace.DetailedCall{FunctionID: fid, StackTraceID: sid, Args: args}
	buf := w.allocate(trace.RecordDetailedCall, rec.Size())
	if buf == nil {
		return false
	}
	rec.Timestamp = w.logger.timestamp()
	rec.Encode(buf)
	return true
}

// Flush hands the records written so far to the session. The writer continues with a fresh
// segment.
func (w *Writer) Flush() error {
	if w.seg.Empty() {
		return nil
	}
	next, err := w.logger.session.Exchange(w.seg)
	if err != nil {
		return err
	}
	w.seg = next
	return nil
}
