// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package report classifies bad memory accesses and heap corruption and renders them as crash
// reports. The structured form is a protobuf Struct, which is what the out-of-process logger
// stores.
package report // import "github.com/syzygy-go/syzygy/asan/report"

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/shadow"
)

// ErrorType is the kind of a reported error.
type ErrorType uint8

const (
	UnknownBadAccess ErrorType = iota
	HeapBufferOverflow
	HeapBufferUnderflow
	UseAfterFree
	WildAccess
	InvalidAddress
	StackBufferOverflow
	UseAfterPoison
	DoubleFree
	InvalidFree
	CorruptBlock
	CorruptHeap
)

var errorTypeNames = [...]string{
	UnknownBadAccess:    "unknown-crash",
	HeapBufferOverflow:  "heap-buffer-overflow",
	HeapBufferUnderflow: "heap-buffer-underflow",
	UseAfterFree:        "use-after-free",
	WildAccess:          "wild-access",
	InvalidAddress:      "invalid-address",
	StackBufferOverflow: "stack-buffer-overflow",
	UseAfterPoison:      "use-after-poison",
	DoubleFree:          "double-free",
	InvalidFree:         "invalid-free",
	CorruptBlock:        "corrupt-block",
	CorruptHeap:         "corrupt-heap",
}

func (t ErrorType) String() string {
	if int(t) < len(errorTypeNames) {
		return errorTypeNames[t]
	}
	return fmt.Sprintf("error-type-%d", uint8(t))
}

// AccessMode tells how the faulting address was accessed.
type AccessMode uint8

const (
	AccessUnknown AccessMode = iota
	AccessRead
	AccessWrite
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	}
	return "unknown"
}

// Classify names the error of an access to addr whose first poisoned cell holds marker. block
// is the heap block containing addr, when there is one.
func Classify(marker shadow.Marker, addr uintptr, block *heap.BlockInfo) ErrorType {
	switch marker {
	case shadow.HeapLeftRedzone, shadow.HeapRightRedzone:
		if block == nil {
			return WildAccess
		}
		if addr < block.Layout.Body {
			return HeapBufferUnderflow
		}
		return HeapBufferOverflow
	case shadow.HeapFreed:
		return UseAfterFree
	case shadow.AllocRedzone:
		return WildAccess
	case shadow.InvalidAddress:
		return InvalidAddress
	case shadow.StackLeftRedzone, shadow.StackMidRedzone, shadow.StackRightRedzone:
		return StackBufferOverflow
	case shadow.UserRedzone:
		return UseAfterPoison
	}
	if marker.IsPartial() && block != nil {
		return HeapBufferOverflow
	}
	return UnknownBadAccess
}

// Stack is a resolved stack, innermost frame first.
type Stack []uintptr

// Report describes one error.
type Report struct {
	Type        ErrorType
	Description string

	// Address is the faulting address or the pointer handed to the heap.
	Address    uintptr
	AccessSize uintptr
	Mode       AccessMode
	ThreadID   int
	Time       time.Time

	Block      *heap.BlockInfo
	AllocStack Stack
	FreeStack  Stack
	CrashStack Stack

	// Shadow is the rendering of the shadow bytes around Address.
	Shadow string
}

// FormatAddress renders addresses the way every report field does.
func FormatAddress(addr uintptr) string {
	return fmt.Sprintf("0x%08X", addr)
}

func (s Stack) values() []any {
	out := make([]any, len(s))
	for i, pc := range s {
		out[i] = FormatAddress(pc)
	}
	return out
}

func headerValues(h *heap.Header) map[string]any {
	return map[string]any{
		"magic":         int(h.Magic),
		"state":         h.State.String(),
		"flags":         int(h.Flags),
		"body-size":     int(h.BodySize),
		"alloc-stack":   int(h.AllocStack),
		"left-padding":  int(h.LeftPadding),
		"right-padding": int(h.RightPadding),
	}
}

func trailerValues(t *heap.Trailer) map[string]any {
	return map[string]any{
		"free-stack": int(t.FreeStack),
		"alloc-tid":  int(t.AllocTID),
		"free-tid":   int(t.FreeTID),
		"body-hash":  int(t.BodyHash),
		"checksum":   int(t.Checksum),
		"magic":      int(t.Magic),
	}
}

// Value returns the structured form of the report.
func (r *Report) Value() (*structpb.Struct, error) {
	errValue := map[string]any{
		"type":    r.Type.String(),
		"address": FormatAddress(r.Address),
	}
	if r.Description != "" {
		errValue["description"] = r.Description
	}
	if r.Mode != AccessUnknown {
		errValue["access-mode"] = r.Mode.String()
		errValue["access-size"] = int(r.AccessSize)
	}
	if r.ThreadID != 0 {
		errValue["thread-id"] = r.ThreadID
	}
	if !r.Time.IsZero() {
		errValue["time"] = r.Time.UTC().Format(time.RFC3339Nano)
	}
	root := map[string]any{"error": errValue}

	if b := r.Block; b != nil {
		l := b.Layout
		block := map[string]any{
			"heap":            int(b.Heap),
			"address":         FormatAddress(l.Block),
			"size":            int(l.Size),
			"body":            FormatAddress(l.Body),
			"user-size":       int(l.BodySize),
			"state":           b.State.String(),
			"page-heap":       l.PageHeap,
			"alloc-thread-id": int(b.AllocTID),
		}
		if b.State != heap.StateAllocated {
			block["free-thread-id"] = int(b.FreeTID)
		}
		if b.MetadataValid {
			block["header"] = headerValues(&b.Header)
			block["trailer"] = trailerValues(&b.Trailer)
		}
		root["block"] = block
	}
	if len(r.AllocStack) > 0 {
		root["alloc-stack"] = r.AllocStack.values()
	}
	if len(r.FreeStack) > 0 {
		root["free-stack"] = r.FreeStack.values()
	}
	if len(r.CrashStack) > 0 {
		root["crash-stack"] = r.CrashStack.values()
	}
	if r.Shadow != "" {
		lines := strings.Split(strings.TrimRight(r.Shadow, "\n"), "\n")
		shadowLines := make([]any, len(lines))
		for i, l := range lines {
			shadowLines[i] = l
		}
		root["shadow"] = shadowLines
	}
	return structpb.NewStruct(root)
}

// JSON encodes the structured form of the report. Object keys are sorted.
func (r *Report) JSON() ([]byte, error) {
	v, err := r.Value()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true}.Marshal(v)
}

// Text renders the report for humans.
func (r *Report) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SyzyASAN error: %s on address %s", r.Type, FormatAddress(r.Address))
	if r.ThreadID != 0 {
		fmt.Fprintf(&sb, " (thread %d)", r.ThreadID)
	}
	sb.WriteByte('\n')
	if r.Description != "" {
		fmt.Fprintf(&sb, "%s\n", r.Description)
	}
	if r.Mode != AccessUnknown {
		fmt.Fprintf(&sb, "%s of size %d at %s\n", strings.ToUpper(r.Mode.String()),
			r.AccessSize, FormatAddress(r.Address))
	}
	writeStack(&sb, r.CrashStack)
	if b := r.Block; b != nil {
		l := b.Layout
		fmt.Fprintf(&sb, "%s is located %s of %d-byte region [%s,%s)\n",
			FormatAddress(r.Address), relation(r.Address, l), l.BodySize,
			FormatAddress(l.Body), FormatAddress(l.Body+l.BodySize))
		if b.State != heap.StateAllocated {
			fmt.Fprintf(&sb, "freed by thread %d here:\n", b.FreeTID)
			writeStack(&sb, r.FreeStack)
		}
		fmt.Fprintf(&sb, "previously allocated by thread %d here:\n", b.AllocTID)
		writeStack(&sb, r.AllocStack)
	}
	if r.Shadow != "" {
		sb.WriteString("Shadow bytes around the buggy address:\n")
		sb.WriteString(r.Shadow)
		if !strings.HasSuffix(r.Shadow, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func relation(addr uintptr, l heap.Layout) string {
	end := l.Body + l.BodySize
	switch {
	case addr < l.Body:
		return fmt.Sprintf("%d bytes to the left", l.Body-addr)
	case addr >= end:
		return fmt.Sprintf("%d bytes to the right", addr-end)
	}
	return fmt.Sprintf("%d bytes inside", addr-l.Body)
}

func writeStack(sb *strings.Builder, s Stack) {
	if len(s) == 0 {
		return
	}
	frames := runtime.CallersFrames(s)
	for i := 0; ; i++ {
		f, more := frames.Next()
		if f.Function != "" {
			fmt.Fprintf(sb, "    #%d %s in %s %s:%d\n", i, FormatAddress(f.PC), f.Function,
				f.File, f.Line)
		} else {
			fmt.Fprintf(sb, "    #%d %s\n", i, FormatAddress(f.PC))
		}
		if !more {
			return
		}
	}
}
