// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/syzygy-go/syzygy/trace"

// Trace files store each segment as an independent zstd frame, followed by an index of the
// frame offsets so segments can be read in any order.
//
// # File format
//
// >>> <compressed segments>
// >>> for segment in number_of_segments + 1:
// >>>   compressed_data_offset: u64 LE   # the last entry is the end of the data
// >>> number_of_segments: u64 LE
// >>> decompressed_size: u64 LE
// >>> version: u64 LE
// >>> magic: [8]char

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	footerSize  = 32
	fileMagic   = "SZTRACE0"
	fileVersion = 1
)

// ErrBadFile is returned for files that are not trace files.
var ErrBadFile = errors.New("not a trace file")

type footer struct {
	uncompressedSize uint64
	version          uint64
	// index holds the start of every segment and the end of the last one.
	index []uint64
}

func (f *footer) write(out io.Writer) error {
	buf := make([]byte, 0, 8*len(f.index)+footerSize)
	for _, offset := range f.index {
		buf = binary.LittleEndian.AppendUint64(buf, offset)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(f.index)-1))
	buf = binary.LittleEndian.AppendUint64(buf, f.uncompressedSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.version)
	buf = append(buf, fileMagic...)
	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return nil
}

func readFooter(input io.ReaderAt, fileSize uint64) (*footer, error) {
	var buf [footerSize]byte
	if fileSize < footerSize {
		return nil, fmt.Errorf("file too small: %w", ErrBadFile)
	}
	if _, err := input.ReadAt(buf[:], int64(fileSize-footerSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if !bytes.Equal(buf[24:], []byte(fileMagic)) {
		return nil, fmt.Errorf("bad magic: %w", ErrBadFile)
	}
	f := &footer{
		uncompressedSize: binary.LittleEndian.Uint64(buf[8:]),
		version:          binary.LittleEndian.Uint64(buf[16:]),
	}
	if f.version != fileVersion {
		return nil, fmt.Errorf("version %d: %w", f.version, ErrBadFile)
	}

	entries := binary.LittleEndian.Uint64(buf[0:]) + 1
	if (fileSize-footerSize)/8 < entries {
		return nil, fmt.Errorf("file too small to hold index table: %w", ErrBadFile)
	}
	raw := make([]byte, entries*8)
	indexOffset := fileSize - footerSize - entries*8
	if _, err := input.ReadAt(raw, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	f.index = make([]uint64, 0, entries)
	for i := range entries {
		entry := binary.LittleEndian.Uint64(raw[i*8:])
		if (i > 0 && entry < f.index[i-1]) || entry > indexOffset {
			return nil, fmt.Errorf("index entry %d out of order: %w", i, ErrBadFile)
		}
		f.index = append(f.index, entry)
	}
	return f, nil
}

// FileWriter writes segments to a trace file. It is safe for concurrent use and implements
// Sink.
type FileWriter struct {
	mu     sync.Mutex
	out    io.Writer
	enc    *zstd.Encoder
	buf    []byte
	footer footer
	closed bool
}

// NewFileWriter writes a trace file to out.
func NewFileWriter(out io.Writer) (*FileWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &FileWriter{
		out:    out,
		enc:    enc,
		footer: footer{version: fileVersion, index: []uint64{0}},
	}, nil
}

// WriteSegment appends a segment.
func (w *FileWriter) WriteSegment(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	w.buf = w.enc.EncodeAll(data, w.buf[:0])
	if _, err := w.out.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	last := w.footer.index[len(w.footer.index)-1]
	w.footer.index = append(w.footer.index, last+uint64(len(w.buf)))
	w.footer.uncompressedSize += uint64(len(data))
	return nil
}

// Segments returns the number of segments written.
func (w *FileWriter) Segments() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.footer.index) - 1
}

// Close writes the index. It does not close the underlying writer.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.enc.Close()
	return w.footer.write(w.out)
}

// FileReader reads segments of a trace file in any order.
type FileReader struct {
	input  io.ReaderAt
	closer io.Closer
	footer *footer
	dec    *zstd.Decoder
}

// NewFileReader reads the trace file of size bytes held by input.
func NewFileReader(input io.ReaderAt, size int64) (*FileReader, error) {
	f, err := readFooter(input, uint64(size))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &FileReader{input: input, footer: f, dec: dec}, nil
}

// OpenFile opens the trace file at path.
func OpenFile(path string) (*FileReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	r, err := NewFileReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NumSegments returns the number of segments in the file.
func (r *FileReader) NumSegments() int { return len(r.footer.index) - 1 }

// UncompressedSize returns the total size of the segments.
func (r *FileReader) UncompressedSize() uint64 { return r.footer.uncompressedSize }

// Segment returns the records of segment i.
func (r *FileReader) Segment(i int) ([]byte, error) {
	if i < 0 || i >= r.NumSegments() {
		return nil, fmt.Errorf("segment %d of %d: %w", i, r.NumSegments(), os.ErrNotExist)
	}
	start, end := r.footer.index[i], r.footer.index[i+1]
	compressed := make([]byte, end-start)
	if _, err := r.input.ReadAt(compressed, int64(start)); err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", i, err)
	}
	data, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress segment %d: %w", i, err)
	}
	return data, nil
}

// Close releases the decoder and the file opened by OpenFile.
func (r *FileReader) Close() error {
	r.dec.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
