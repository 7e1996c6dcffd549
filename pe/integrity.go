// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/core/hash"
)

// IntegrityCheckSource reports which blocks each integrity checker verifies at runtime.
type IntegrityCheckSource interface {
	IntegrityChecks() map[*blockgraph.Block][]*blockgraph.Block
}

// IntegrityChecks maps checker blocks to the blocks they checksum.
type IntegrityChecks map[*blockgraph.Block][]*blockgraph.Block

func (c IntegrityChecks) IntegrityChecks() map[*blockgraph.Block][]*blockgraph.Block {
	return c
}

// PivotLabel and SubLabel name the bytes of a checker that the post-pass rewrites: the pivot
// byte that balances the checker's own checksum, and the sub instruction whose 8-bit immediate
// (one byte past the label) holds the expected checksum of the checked blocks.
func PivotLabel(checker *blockgraph.Block) string {
	return fmt.Sprintf("Pivot:%d", checker.ID())
}

func SubLabel(checker *blockgraph.Block) string {
	return fmt.Sprintf("sub %d", checker.ID())
}

// IntegrityPostPass returns a post-pass restoring the integrity checks of src on the final
// image bytes. The checksum of a block is the 8-bit sum of its bytes. Every checker first gets
// the sum of its checked blocks written into its sub immediate, using the pre-pass sum for
// checked blocks that are checkers themselves. Then each checker's pivot byte is chosen so that
// its own sum equals its pre-pass sum again, which keeps cyclic checks consistent.
func IntegrityPostPass(src IntegrityCheckSource) PostPass {
	return func(layout *ImageLayout, image []byte) error {
		checks := src.IntegrityChecks()
		checkers := slices.SortedFunc(maps.Keys(checks), func(a, b *blockgraph.Block) int {
			return cmp.Compare(a.ID(), b.ID())
		})

		bytesOf := func(b *blockgraph.Block) ([]byte, error) {
			addr, ok := layout.Blocks.AddressOf(b)
			if !ok {
				return nil, fmt.Errorf("%v is not laid out", b)
			}
			off, ok := layout.FileOffset(addr)
			if !ok {
				return nil, fmt.Errorf("%v has no file position", b)
			}
			end := min(uint64(off)+uint64(b.Size()), uint64(len(image)))
			// Bytes past the section data are zero and do not contribute to the sum.
			if i, ok := layout.SectionIndex(addr); ok {
				s := layout.Sections[i]
				end = min(end, uint64(s.FileOffset)+uint64(s.DataSize))
			}
			return image[off:end], nil
		}

		oldHash := make(map[*blockgraph.Block]uint8, len(checks))
		for _, c := range checkers {
			data, err := bytesOf(c)
			if err != nil {
				return err
			}
			oldHash[c] = hash.Sum8(data)
		}

		for _, c := range checkers {
			var expected uint8
			for _, checked := range checks[c] {
				if h, ok := oldHash[checked]; ok {
					expected += h
					continue
				}
				data, err := bytesOf(checked)
				if err != nil {
					return err
				}
				expected += hash.Sum8(data)
			}
			data, err := bytesOf(c)
			if err != nil {
				return err
			}
			sub, ok := c.FindLabel(SubLabel(c))
			if !ok || int(sub)+1 >= len(data) {
				return fmt.Errorf("%v: missing or misplaced label %q", c, SubLabel(c))
			}
			data[sub+1] = expected
		}

		for _, c := range checkers {
			data, err := bytesOf(c)
			if err != nil {
				return err
			}
			pivot, ok := c.FindLabel(PivotLabel(c))
			if !ok || int(pivot) >= len(data) {
				return fmt.Errorf("%v: missing or misplaced label %q", c, PivotLabel(c))
			}
			data[pivot] = 0
			data[pivot] = oldHash[c] - hash.Sum8(data)
		}
		log.Debugf("Updated %d integrity checkers", len(checkers))
		return nil
	}
}
