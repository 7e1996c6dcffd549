// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdb // import "github.com/syzygy-go/syzygy/pdb"

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// InfoVersion70 is the version of PDB info streams written by current toolchains.
const InfoVersion70 = 20000404

// infoHeaderSize is the size of the fixed part of the PDB info stream.
const infoHeaderSize = 28

// InfoHeader is the fixed part of the PDB info stream. It ties the PDB to its image through the
// signature, age and GUID recorded in the image's CodeView debug entry.
type InfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      uuid.UUID
}

// ReadInfoHeader reads the header at the start of s.
func ReadInfoHeader(s Stream) (*InfoHeader, error) {
	if err := s.Seek(0); err != nil {
		return nil, err
	}
	raw := make([]byte, infoHeaderSize)
	if _, err := s.ReadBytes(raw); err != nil {
		return nil, parseError(ErrKindStream, 0, fmt.Errorf("info header: %w", err))
	}
	h := &InfoHeader{
		Version:   binary.LittleEndian.Uint32(raw[0:]),
		Signature: binary.LittleEndian.Uint32(raw[4:]),
		Age:       binary.LittleEndian.Uint32(raw[8:]),
	}
	h.GUID = guidFromWindows(raw[12:28])
	return h, nil
}

// Bytes encodes the header.
func (h *InfoHeader) Bytes() []byte {
	raw := make([]byte, infoHeaderSize)
	binary.LittleEndian.PutUint32(raw[0:], h.Version)
	binary.LittleEndian.PutUint32(raw[4:], h.Signature)
	binary.LittleEndian.PutUint32(raw[8:], h.Age)
	guidToWindows(raw[12:28], h.GUID)
	return raw
}

// SetInfoHeader replaces the header of the info stream of f, keeping the named stream map that
// follows it.
func SetInfoHeader(f *File, h *InfoHeader) error {
	s := f.Stream(InfoStream)
	if s == nil {
		return f.ReplaceStream(InfoStream, NewByteStream(h.Bytes()))
	}
	bs, err := CopyStream(s)
	if err != nil {
		return err
	}
	w := bs.Writer()
	if _, err := w.Write(h.Bytes()); err != nil {
		return err
	}
	return f.ReplaceStream(InfoStream, bs)
}

// Windows stores the first three GUID fields little-endian; uuid.UUID is big-endian throughout.
func guidFromWindows(raw []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], raw)
	u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
	u[4], u[5] = raw[5], raw[4]
	u[6], u[7] = raw[7], raw[6]
	return u
}

func guidToWindows(raw []byte, u uuid.UUID) {
	copy(raw, u[:])
	raw[0], raw[1], raw[2], raw[3] = u[3], u[2], u[1], u[0]
	raw[4], raw[5] = u[5], u[4]
	raw[6], raw[7] = u[7], u[6]
}
