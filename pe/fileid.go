// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"

	"github.com/syzygy-go/syzygy/core/basehash"
)

// FileID identifies an image file by its content.
type FileID struct {
	basehash.Hash128
}

// FileIDFromString parses the hexadecimal form of a file id.
func FileIDFromString(s string) (FileID, error) {
	h, err := basehash.New128FromString(s)
	if err != nil {
		return FileID{}, err
	}
	return FileID{h}, nil
}

// fileIDChunk is the amount of data hashed at each end of the file.
const fileIDChunk = 4096

// ComputeFileID hashes the first and last 4 KiB of an image together with its length. For PE
// files this covers the headers, the section table and the debug directory, which is enough to
// tell builds apart.
func ComputeFileID(r io.ReaderAt, size int64) (FileID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, min(size, fileIDChunk))); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %w", err)
	}
	tail := min(size, fileIDChunk)
	if _, err := io.Copy(h, io.NewSectionReader(r, size-tail, tail)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %w", err)
	}
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	h.Write(length[:])

	id, err := basehash.New128FromBytes(h.Sum(nil)[:16])
	if err != nil {
		return FileID{}, err
	}
	return FileID{id}, nil
}

// FileIDFromFile computes the FileID of the file at path.
func FileIDFromFile(path string) (FileID, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return FileID{}, err
	}
	return ComputeFileID(f, st.Size())
}
