// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pe // import "github.com/syzygy-go/syzygy/pe"

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syzygy-go/syzygy/blockgraph"
	"github.com/syzygy-go/syzygy/vc"
)

// MetadataBlockName is the name of the block carrying the relink metadata.
const MetadataBlockName = "metadata"

// ErrIncompatibleToolchain is returned for metadata written by an incompatible toolchain.
var ErrIncompatibleToolchain = errors.New("incompatible toolchain version")

// ModuleSignature identifies the input image a relinked image was produced from.
type ModuleSignature struct {
	Path          string `json:"path"`
	BaseAddress   uint32 `json:"base_address"`
	ModuleSize    uint32 `json:"module_size"`
	Checksum      uint32 `json:"module_checksum"`
	TimeDateStamp uint32 `json:"module_time_date_stamp"`
	FileID        FileID `json:"file_id"`
}

// Metadata is embedded as JSON into relinked images so that tools can find their origin.
type Metadata struct {
	CommandLine      string          `json:"command_line"`
	CreationTime     time.Time       `json:"creation_time"`
	ToolchainVersion string          `json:"toolchain_version"`
	Module           ModuleSignature `json:"module_signature"`
}

// NewMetadata describes the decomposed input image img, read from path.
func NewMetadata(img *Image, path string, id FileID, commandLine string) (*Metadata, error) {
	hdrs, err := parseHeaders(img.Header.MutableData())
	if err != nil {
		return nil, err
	}
	return &Metadata{
		CommandLine:      commandLine,
		CreationTime:     time.Now().UTC(),
		ToolchainVersion: vc.Version(),
		Module: ModuleSignature{
			Path:          path,
			BaseAddress:   hdrs.opt(ohImageBase),
			ModuleSize:    hdrs.opt(ohSizeOfImage),
			Checksum:      hdrs.opt(ohCheckSum),
			TimeDateStamp: hdrs.fileU32(fhTimeDateStamp),
			FileID:        id,
		},
	}, nil
}

// AddMetadata stores md in a data block of the metadata section, creating both as needed.
func AddMetadata(g *blockgraph.BlockGraph, md *Metadata) (*blockgraph.Block, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	s := g.FindOrAddSection(MetadataSectionName, ScnCntInitializedData|ScnMemRead)
	for _, b := range g.SectionBlocks(s.ID()) {
		if b.Name() == MetadataBlockName {
			b.SetSize(0)
			b.SetData(data)
			return b, nil
		}
	}
	b := g.AddBlock(blockgraph.DataBlock, uint32(len(data)), MetadataBlockName)
	b.SetSection(s.ID())
	b.SetAttribute(blockgraph.BuiltBySyzygy)
	b.SetData(data)
	return b, nil
}

// ReadMetadata returns the metadata embedded in a decomposed image. The bool is false if the
// image carries none.
func ReadMetadata(g *blockgraph.BlockGraph) (*Metadata, bool, error) {
	s := g.FindSection(MetadataSectionName)
	if s == nil {
		return nil, false, nil
	}
	for _, b := range g.SectionBlocks(s.ID()) {
		if b.Name() != MetadataBlockName && b.Name() != MetadataSectionName {
			continue
		}
		// Section padding follows the JSON document in decomposed images.
		data := b.Data()
		end := len(data)
		for end > 0 && data[end-1] == 0 {
			end--
		}
		var md Metadata
		if err := json.Unmarshal(data[:end], &md); err != nil {
			return nil, true, fmt.Errorf("failed to parse metadata: %w", err)
		}
		return &md, true, nil
	}
	return nil, false, nil
}

// CheckCompatible verifies that the metadata was produced by a compatible toolchain.
func (md *Metadata) CheckCompatible() error {
	ok, err := vc.IsCompatible(md.ToolchainVersion)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s (running %s): %w", md.ToolchainVersion, vc.Version(),
			ErrIncompatibleToolchain)
	}
	return nil
}
