// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"fmt"
	"slices"

	"github.com/syzygy-go/syzygy/core/readatbuf"
)

// FileStream is a stream stored in pages of an MSF file. All streams of one file share a page
// cache.
type FileStream struct {
	pages  *readatbuf.Reader
	list   []uint32
	length uint32
	pos    uint32
}

var _ Stream = &FileStream{}

func newFileStream(pages *readatbuf.Reader, list []uint32, length uint32) *FileStream {
	return &FileStream{pages: pages, list: list, length: length}
}

// Pages returns the indices of the pages holding the stream.
func (s *FileStream) Pages() []uint32 {
	return slices.Clone(s.list)
}

func (s *FileStream) Length() uint32    { return s.length }
func (s *FileStream) Pos() uint32       { return s.pos }
func (s *FileStream) BytesLeft() uint32 { return s.length - min(s.pos, s.length) }

func (s *FileStream) Seek(pos uint32) error {
	if pos > s.length {
		return fmt.Errorf("%d > %d: %w", pos, s.length, ErrSeekOutOfRange)
	}
	s.pos = pos
	return nil
}

func (s *FileStream) ReadBytes(dst []byte) (int, error) {
	return readFull(s, dst, s.readAt)
}

func (s *FileStream) readAt(dst []byte, pos uint32) error {
	pageSize := s.pages.PageSize()
	for len(dst) > 0 {
		idx := pos / pageSize
		if int(idx) >= len(s.list) {
			return parseError(ErrKindStream, int64(pos), ErrShortStream)
		}
		page, err := s.pages.ReadPage(s.list[idx])
		if err != nil {
			return parseError(ErrKindIO, int64(s.list[idx])*int64(pageSize), err)
		}
		off := pos % pageSize
		if int(off) >= len(page) {
			return parseError(ErrKindIO, int64(s.list[idx])*int64(pageSize), ErrPageOutOfRange)
		}
		n := copy(dst, page[off:])
		dst = dst[n:]
		pos += uint32(n)
	}
	return nil
}
