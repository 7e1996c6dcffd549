// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ianlancetaylor/demangle"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/syzygy-go/syzygy/blockgraph/match"
	"github.com/syzygy-go/syzygy/pe"
)

type matchCmd struct {
	left, right string
	conflicts   bool
}

func newMatchCmd() *ffcli.Command {
	args := &matchCmd{}

	set := flag.NewFlagSet("match", flag.ExitOnError)
	set.StringVar(&args.left, "left", "", "First image")
	set.StringVar(&args.right, "right", "", "Second image")
	set.BoolVar(&args.conflicts, "conflicts", false, "Also list rejected candidate pairs")

	return &ffcli.Command{
		Name:       "match",
		Exec:       args.exec,
		ShortUsage: "match -left a.exe -right b.exe",
		ShortHelp:  "Pair the blocks of two builds of an image",
		FlagSet:    set,
	}
}

func (cmd *matchCmd) exec(ctx context.Context, _ []string) error {
	if cmd.left == "" || cmd.right == "" {
		return errors.New("missing required arguments `left` and `right`")
	}
	left, err := pe.DecomposeFile(cmd.left)
	if err != nil {
		return err
	}
	right, err := pe.DecomposeFile(cmd.right)
	if err != nil {
		return err
	}
	result, err := match.Graphs(ctx, left.Graph, right.Graph)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "LEFT\tRIGHT\tSOURCE\tNAME")
	for _, p := range result.Pairs() {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.Left.ID(), p.Right.ID(), p.Source,
			demangle.Filter(p.Left.Name()))
	}
	if cmd.conflicts {
		for _, p := range result.Conflicts {
			fmt.Fprintf(w, "%d\t%d\t%s (rejected)\t%s\n", p.Left.ID(), p.Right.ID(), p.Source,
				demangle.Filter(p.Left.Name()))
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d blocks matched\n", result.Len(), left.Graph.BlockCount())
	return nil
}
