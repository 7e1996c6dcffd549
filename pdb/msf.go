// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/core/readatbuf"
)

// Magic is the signature at the start of every MSF 7.00 file.
const Magic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

const (
	// DefaultPageSize is the page size used by the writer unless told otherwise.
	DefaultPageSize = 1024
	// MaxRootPages is the number of directory root pages the header can list.
	MaxRootPages = 73
	// nilStreamLength is the directory length of an absent stream.
	nilStreamLength = 0xffffffff
	// freePageMapPage is the page of the active free page map.
	freePageMapPage = 1
	// cachedPages bounds the page cache shared by the streams of one file.
	cachedPages = 256
)

// msfHeader is the content of page 0.
type msfHeader struct {
	Magic         [32]byte
	PageSize      uint32
	FreePageMap   uint32
	NumPages      uint32
	DirectorySize uint32
	Reserved      uint32
	RootPages     [MaxRootPages]uint32
}

var msfHeaderSize = binary.Size(msfHeader{})

func validPageSize(size uint32) bool {
	switch size {
	case 512, 1024, 2048, 4096:
		return true
	}
	return false
}

func pagesFor(length, pageSize uint32) uint32 {
	return uint32((uint64(length) + uint64(pageSize) - 1) / uint64(pageSize))
}

// Open reads the MSF file at path. The returned file keeps path open until Close.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pdb, err := Read(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	pdb.closer = f
	return pdb, nil
}

// Read parses the MSF directory of the size bytes behind r. The streams of the returned file
// read their pages from r on demand.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var hdr msfHeader
	raw := make([]byte, msfHeaderSize)
	if size < int64(msfHeaderSize) {
		return nil, parseError(ErrKindFormat, 0, ErrSizeMismatch)
	}
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, parseError(ErrKindIO, 0, err)
	}
	if _, err := binary.Decode(raw, binary.LittleEndian, &hdr); err != nil {
		return nil, parseError(ErrKindFormat, 0, err)
	}
	if !bytes.Equal(hdr.Magic[:], []byte(Magic)) {
		return nil, parseError(ErrKindFormat, 0, ErrBadMagic)
	}
	if !validPageSize(hdr.PageSize) {
		return nil, parseError(ErrKindFormat, 32, fmt.Errorf("%d: %w", hdr.PageSize,
			ErrBadPageSize))
	}
	if size%int64(hdr.PageSize) != 0 || int64(hdr.PageSize)*int64(hdr.NumPages) != size {
		return nil, parseError(ErrKindFormat, 40, fmt.Errorf("%d pages of %d bytes, file has %d: %w",
			hdr.NumPages, hdr.PageSize, size, ErrSizeMismatch))
	}
	if hdr.FreePageMap != freePageMapPage {
		return nil, parseError(ErrKindFormat, 36,
			fmt.Errorf("free page map at page %d", hdr.FreePageMap))
	}

	pages, err := readatbuf.New(r, hdr.PageSize, cachedPages)
	if err != nil {
		return nil, parseError(ErrKindIO, 0, err)
	}
	checkPages := func(list []uint32) error {
		for _, p := range list {
			if p == 0 || p >= hdr.NumPages {
				return parseError(ErrKindDirectory, int64(p)*int64(hdr.PageSize),
					fmt.Errorf("page %d of %d: %w", p, hdr.NumPages, ErrPageOutOfRange))
			}
		}
		return nil
	}

	dirPages := pagesFor(hdr.DirectorySize, hdr.PageSize)
	rootCount := pagesFor(dirPages*4, hdr.PageSize)
	if rootCount > MaxRootPages {
		return nil, parseError(ErrKindDirectory, 44, ErrDirectoryTooLarge)
	}
	rootList := hdr.RootPages[:rootCount]
	if err := checkPages(rootList); err != nil {
		return nil, err
	}
	root := newFileStream(pages, rootList, dirPages*4)
	dirList, err := ReadValues[uint32](root, int(dirPages))
	if err != nil {
		return nil, parseError(ErrKindDirectory, 0, err)
	}
	if err := checkPages(dirList); err != nil {
		return nil, err
	}

	dir := newFileStream(pages, dirList, hdr.DirectorySize)
	numStreams, err := ReadValue[uint32](dir)
	if err != nil {
		return nil, parseError(ErrKindDirectory, 0, err)
	}
	if uint64(numStreams)*4 > uint64(dir.BytesLeft()) {
		return nil, parseError(ErrKindDirectory, 0,
			fmt.Errorf("%d streams: %w", numStreams, ErrShortStream))
	}
	lengths, err := ReadValues[uint32](dir, int(numStreams))
	if err != nil {
		return nil, parseError(ErrKindDirectory, int64(dir.Pos()), err)
	}

	pdb := NewFile()
	for i, length := range lengths {
		if length == nilStreamLength {
			pdb.AppendStream(nil)
			continue
		}
		list, err := ReadValues[uint32](dir, int(pagesFor(length, hdr.PageSize)))
		if err != nil {
			return nil, parseError(ErrKindDirectory, int64(dir.Pos()),
				fmt.Errorf("pages of stream %d: %w", i, err))
		}
		if err := checkPages(list); err != nil {
			return nil, err
		}
		pdb.AppendStream(newFileStream(pages, list, length))
	}
	log.Debugf("Read MSF with %d streams, %d pages of %d bytes", numStreams, hdr.NumPages,
		hdr.PageSize)
	return pdb, nil
}
