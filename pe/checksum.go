// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/binary"
)

// Checksum computes the PE image checksum of image. The 4 bytes at checksumOffset, where the
// checksum itself is stored, are treated as zero.
func Checksum(image []byte, checksumOffset int) uint32 {
	var sum uint64
	n := len(image) &^ 1
	for i := 0; i < n; i += 2 {
		if i == checksumOffset || i == checksumOffset+2 {
			continue
		}
		sum += uint64(binary.LittleEndian.Uint16(image[i:]))
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if len(image)%2 != 0 {
		sum += uint64(image[len(image)-1])
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(len(image))
}

// UpdateChecksum recomputes and stores the checksum of a PE32 image.
func UpdateChecksum(image []byte) error {
	h, err := parseHeaders(image)
	if err != nil {
		return err
	}
	off := h.checksumOffset()
	binary.LittleEndian.PutUint32(image[off:], Checksum(image, off))
	return nil
}
