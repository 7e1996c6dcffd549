// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"fmt"
	"io"
)

// Well known stream indices.
const (
	OldDirectoryStream = 0
	InfoStream         = 1
	TPIStream          = 2
	DBIStream          = 3
	IPIStream          = 4
)

// File is an ordered collection of streams. Entries may be nil.
type File struct {
	streams []Stream
	closer  io.Closer
}

// NewFile creates an empty file.
func NewFile() *File {
	return &File{}
}

// AppendStream adds s at the end and returns its index.
func (f *File) AppendStream(s Stream) int {
	f.streams = append(f.streams, s)
	return len(f.streams) - 1
}

// ReplaceStream sets stream i to s. Replacing at StreamCount() appends.
func (f *File) ReplaceStream(i int, s Stream) error {
	switch {
	case i == len(f.streams):
		f.streams = append(f.streams, s)
	case i >= 0 && i < len(f.streams):
		f.streams[i] = s
	default:
		return fmt.Errorf("stream %d out of range [0, %d]", i, len(f.streams))
	}
	return nil
}

// Stream returns stream i, or nil if it is absent.
func (f *File) Stream(i int) Stream {
	if i < 0 || i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

// StreamCount returns the number of stream slots.
func (f *File) StreamCount() int {
	return len(f.streams)
}

// Close releases the file backing the streams, if any. File streams must not be read afterwards.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}
