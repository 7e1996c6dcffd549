// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"errors"
	"fmt"
)

// ErrKind classifies parse failures.
type ErrKind uint8

const (
	// ErrKindIO marks failures of the underlying file.
	ErrKindIO ErrKind = iota
	// ErrKindFormat marks malformed headers: bad magic, inconsistent sizes.
	ErrKindFormat
	// ErrKindDirectory marks a stream directory that does not fit the file.
	ErrKindDirectory
	// ErrKindStream marks malformed stream content.
	ErrKindStream
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindFormat:
		return "format"
	case ErrKindDirectory:
		return "directory"
	case ErrKindStream:
		return "stream"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var (
	// ErrBadMagic is returned for files without the MSF 7.00 signature.
	ErrBadMagic = errors.New("bad MSF magic")
	// ErrBadPageSize is returned for unsupported page sizes.
	ErrBadPageSize = errors.New("unsupported page size")
	// ErrSizeMismatch is returned when the file size disagrees with the header.
	ErrSizeMismatch = errors.New("file size does not match header")
	// ErrDirectoryTooLarge is returned when the directory needs more root pages than the header
	// can hold.
	ErrDirectoryTooLarge = errors.New("stream directory too large")
	// ErrPageOutOfRange is returned for stream pages past the end of the file.
	ErrPageOutOfRange = errors.New("page index out of range")
	// ErrShortStream is returned when a stream is too short for the structure read from it.
	ErrShortStream = errors.New("stream too short")
)

// ParseError describes where and why reading a PDB failed.
type ParseError struct {
	Kind   ErrKind
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pdb %v error at offset 0x%x: %v", e.Kind, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(kind ErrKind, offset int64, err error) *ParseError {
	return &ParseError{Kind: kind, Offset: offset, Err: err}
}
