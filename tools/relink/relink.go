// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/syzygy-go/syzygy/blockgraph/ordered"
	"github.com/syzygy-go/syzygy/pdb"
	"github.com/syzygy-go/syzygy/pe"
)

type relinkCmd struct {
	input, output       string
	inputPDB, outputPDB string
	orderFile           string
	sortByName          bool
	overwrite           bool
}

func newRelinkCmd() *ffcli.Command {
	args := &relinkCmd{}

	set := flag.NewFlagSet("relink", flag.ExitOnError)
	set.StringVar(&args.input, "input-image", "", "Path of the image to relink")
	set.StringVar(&args.output, "output-image", "", "Path of the relinked image")
	set.StringVar(&args.inputPDB, "input-pdb", "", "PDB of the input image (optional)")
	set.StringVar(&args.outputPDB, "output-pdb", "", "Path of the updated PDB")
	set.StringVar(&args.orderFile, "order-file", "", "JSON file listing the block order")
	set.BoolVar(&args.sortByName, "sort-by-name", false,
		"Sort the blocks of every section by name")
	set.BoolVar(&args.overwrite, "overwrite", false, "Replace existing output files")

	return &ffcli.Command{
		Name:       "relink",
		Exec:       args.exec,
		ShortUsage: "relink -input-image in.exe -output-image out.exe [flags]",
		ShortHelp:  "Decompose an image, reorder its blocks and write it back",
		FlagSet:    set,
	}
}

func (cmd *relinkCmd) orderers() ([]ordered.Orderer, error) {
	orderers := []ordered.Orderer{ordered.OriginalOrderer{}}
	if cmd.sortByName {
		orderers = append(orderers, ordered.NamedOrderer{})
	}
	if cmd.orderFile != "" {
		f, err := os.Open(cmd.orderFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		order, err := ordered.ParseOrderFile(f)
		if err != nil {
			return nil, err
		}
		orderers = append(orderers, ordered.ExplicitOrderer{Order: order})
	}
	return orderers, nil
}

func (cmd *relinkCmd) checkOutput(path string) error {
	if path == "" || cmd.overwrite {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s exists, pass -overwrite to replace it", path)
	}
	return nil
}

func (cmd *relinkCmd) exec(context.Context, []string) error {
	if cmd.input == "" || cmd.output == "" {
		return errors.New("missing required arguments `input-image` and `output-image`")
	}
	if (cmd.inputPDB == "") != (cmd.outputPDB == "") {
		return errors.New("`input-pdb` and `output-pdb` go together")
	}
	for _, path := range []string{cmd.output, cmd.outputPDB} {
		if err := cmd.checkOutput(path); err != nil {
			return err
		}
	}

	img, err := pe.DecomposeFile(cmd.input)
	if err != nil {
		return err
	}
	if md, ok, err := pe.ReadMetadata(img.Graph); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%s was already relinked from %s", cmd.input, md.Module.Path)
	}

	id, err := pe.FileIDFromFile(cmd.input)
	if err != nil {
		return fmt.Errorf("failed to compute file id: %w", err)
	}
	md, err := pe.NewMetadata(img, cmd.input, id, strings.Join(os.Args, " "))
	if err != nil {
		return err
	}
	if _, err = pe.AddMetadata(img.Graph, md); err != nil {
		return err
	}

	obg := ordered.New(img.Graph)
	orderers, err := cmd.orderers()
	if err != nil {
		return err
	}
	if err = ordered.Apply(obg, img.Header, orderers...); err != nil {
		return err
	}
	layout, err := pe.NewLayoutBuilder(img.Header).LayoutImage(obg)
	if err != nil {
		return err
	}
	if err = layout.WriteImageFile(cmd.output); err != nil {
		return err
	}
	log.Infof("Wrote %s: %d sections, %d bytes", cmd.output, len(layout.Sections),
		layout.FileSize())

	if cmd.inputPDB == "" {
		return nil
	}
	return cmd.updatePDB(layout, img.Layout.SizeOfImage())
}

// updatePDB stores the OMAP tables of layout in a copy of the input PDB and bumps its age so
// debuggers pair it with the relinked image.
func (cmd *relinkCmd) updatePDB(layout *pe.ImageLayout, originalSize uint32) error {
	f, err := pdb.Open(cmd.inputPDB)
	if err != nil {
		return err
	}
	defer f.Close()

	to, from := pe.BuildOmap(layout, originalSize)
	if err = pdb.SetOmapStreams(f, to, from); err != nil {
		return err
	}
	if s := f.Stream(pdb.InfoStream); s != nil {
		h, err := pdb.ReadInfoHeader(s)
		if err != nil {
			return err
		}
		h.Age++
		if err = pdb.SetInfoHeader(f, h); err != nil {
			return err
		}
	}
	if err = pdb.WriteFile(cmd.outputPDB, f); err != nil {
		return err
	}
	log.Infof("Wrote %s: %d streams, %d OMAP entries", cmd.outputPDB, f.StreamCount(), len(to))
	return nil
}
