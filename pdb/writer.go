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
)

// Writer serialises a File as an MSF.
type Writer struct {
	w        io.WriteSeeker
	pageSize uint32
	// page is the index of the next page to be written.
	page uint32
}

// NewWriter creates a writer emitting pages of pageSize bytes to w.
func NewWriter(w io.WriteSeeker, pageSize uint32) (*Writer, error) {
	if !validPageSize(pageSize) {
		return nil, fmt.Errorf("%d: %w", pageSize, ErrBadPageSize)
	}
	return &Writer{w: w, pageSize: pageSize}, nil
}

// WriteFile writes f to path with the default page size. On failure the partial file is left in
// place.
func WriteFile(path string, f *File) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := NewWriter(out, DefaultPageSize)
	if err != nil {
		out.Close()
		return err
	}
	if err := w.Write(f); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return out.Close()
}

// isFreePageMap reports whether page belongs to one of the two free page maps. They occupy
// pages 1 and 2 of every interval of pageSize pages.
func (w *Writer) isFreePageMap(page uint32) bool {
	in := page % w.pageSize
	return in == 1 || in == 2
}

// writeData appends data on fresh pages, zero padding the last one, and returns their indices.
// Free page map pages are skipped and left zeroed until the maps are written.
func (w *Writer) writeData(data []byte) ([]uint32, error) {
	var pages []uint32
	zero := make([]byte, w.pageSize)
	for len(data) > 0 {
		for w.isFreePageMap(w.page) {
			if _, err := w.w.Write(zero); err != nil {
				return nil, err
			}
			w.page++
		}
		chunk := data[:min(uint32(len(data)), w.pageSize)]
		if _, err := w.w.Write(chunk); err != nil {
			return nil, err
		}
		if pad := w.pageSize - uint32(len(chunk)); pad > 0 {
			if _, err := w.w.Write(zero[:pad]); err != nil {
				return nil, err
			}
		}
		pages = append(pages, w.page)
		w.page++
		data = data[len(chunk):]
	}
	return pages, nil
}

// Write emits every stream of f, then the directory, the directory root pages, the free page maps
// and finally the header. Any I/O failure aborts the write.
func (w *Writer) Write(f *File) error {
	// Page 0 is the header and pages 1 and 2 hold the free page maps.
	w.page = 3
	if _, err := w.w.Seek(int64(w.page)*int64(w.pageSize), io.SeekStart); err != nil {
		return err
	}

	lengths := make([]uint32, f.StreamCount())
	pageLists := make([][]uint32, f.StreamCount())
	for i := range f.StreamCount() {
		s := f.Stream(i)
		if s == nil {
			lengths[i] = nilStreamLength
			continue
		}
		data, err := ReadAll(s)
		if err != nil {
			return fmt.Errorf("failed to read stream %d: %w", i, err)
		}
		if pageLists[i], err = w.writeData(data); err != nil {
			return fmt.Errorf("failed to write stream %d: %w", i, err)
		}
		lengths[i] = uint32(len(data))
	}

	var dir bytes.Buffer
	binary.Write(&dir, binary.LittleEndian, uint32(len(lengths)))
	binary.Write(&dir, binary.LittleEndian, lengths)
	for _, list := range pageLists {
		binary.Write(&dir, binary.LittleEndian, list)
	}
	dirPages, err := w.writeData(dir.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write directory: %w", err)
	}

	var root bytes.Buffer
	binary.Write(&root, binary.LittleEndian, dirPages)
	rootPages, err := w.writeData(root.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write directory root: %w", err)
	}
	if len(rootPages) > MaxRootPages {
		return fmt.Errorf("%d root pages: %w", len(rootPages), ErrDirectoryTooLarge)
	}

	numPages := w.page
	if err := w.writeFreePageMaps(numPages); err != nil {
		return fmt.Errorf("failed to write free page map: %w", err)
	}

	hdr := msfHeader{
		PageSize:      w.pageSize,
		FreePageMap:   freePageMapPage,
		NumPages:      numPages,
		DirectorySize: uint32(dir.Len()),
	}
	copy(hdr.Magic[:], Magic)
	copy(hdr.RootPages[:], rootPages)
	page := make([]byte, w.pageSize)
	if _, err := binary.Encode(page, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(page); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	log.Debugf("Wrote MSF with %d streams in %d pages", len(lengths), numPages)
	return nil
}

// writeFreePageMaps writes both free page maps. A set bit marks a free page; every page of the
// file is in use, so only the bits past numPages are set. The map of interval k holds bytes
// [k*pageSize, (k+1)*pageSize) of the bitmap.
func (w *Writer) writeFreePageMaps(numPages uint32) error {
	for interval := uint32(0); interval*w.pageSize+1 < numPages; interval++ {
		chunk := make([]byte, w.pageSize)
		first := interval * w.pageSize * 8
		for bit := range w.pageSize * 8 {
			if first+bit >= numPages {
				chunk[bit/8] |= 1 << (bit % 8)
			}
		}
		for _, page := range []uint32{interval*w.pageSize + 1, interval*w.pageSize + 2} {
			if page >= numPages {
				continue
			}
			if _, err := w.w.Seek(int64(page)*int64(w.pageSize), io.SeekStart); err != nil {
				return err
			}
			if _, err := w.w.Write(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}
