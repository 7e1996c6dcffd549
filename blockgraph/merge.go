// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package blockgraph // import "github.com/syzygy-go/syzygy/blockgraph"

import (
	"errors"
	"fmt"

	"github.com/syzygy-go/syzygy/core"
)

// MergeBlocks appends absorbed to absorber and removes absorbed from the graph. The absorbed
// block is placed at the absorber's size rounded up to the absorbed alignment; that offset is
// returned. Labels, references and source ranges move along, and every reference to absorbed
// is redirected to the matching position in absorber.
func (g *BlockGraph) MergeBlocks(absorber, absorbed *Block) (Offset, error) {
	if absorber.graph != g || absorbed.graph != g {
		return 0, ErrForeignBlock
	}
	if absorber == absorbed {
		return 0, errors.New("cannot merge a block into itself")
	}

	offset := core.AlignUp(absorber.size, max(absorbed.alignment, 1))
	delta := Offset(offset)

	if len(absorbed.data) > 0 {
		data := absorber.ResizeData(offset)
		absorber.data = append(data, absorbed.data...)
	}
	absorber.size = offset + absorbed.size
	absorber.alignment = max(absorber.alignment, absorbed.alignment)

	for _, l := range absorbed.Labels() {
		if !absorber.SetLabel(l.Offset+delta, l.Label) {
			return 0, fmt.Errorf("label %q collides at %d", l.Label.Name, l.Offset+delta)
		}
	}
	for _, sr := range absorbed.sourceRanges {
		absorber.AddSourceRange(sr.Offset+delta, sr.Size, sr.Source)
	}
	for _, r := range absorbed.SortedReferences() {
		ref := r.Reference
		if ref.Referenced == absorbed {
			ref.Referenced = absorber
			ref.Offset += delta
			ref.Base += delta
		}
		absorbed.RemoveReference(r.Offset)
		if _, err := absorber.SetReference(r.Offset+delta, ref); err != nil {
			return 0, err
		}
	}
	if err := absorbed.TransferReferrers(delta, absorber); err != nil {
		return 0, err
	}
	if !g.RemoveBlock(absorbed) {
		return 0, fmt.Errorf("%v: %w", absorbed, ErrHasReferrers)
	}
	return delta, nil
}
