// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// relink decomposes PE32 images, lays them out again in a chosen block order and writes the
// result together with an updated PDB. It also compares images and dumps call trace files.

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	var debug bool
	rootSet := flag.NewFlagSet("relink", flag.ExitOnError)
	rootSet.BoolVar(&debug, "debug", false, "Enable debug logging")

	root := ffcli.Command{
		Name:       "relink",
		ShortUsage: "relink [-debug] <subcommand> [flags]",
		ShortHelp:  "Post-link tools for PE32 images and their PDBs",
		FlagSet:    rootSet,
		Subcommands: []*ffcli.Command{
			newRelinkCmd(),
			newMatchCmd(),
			newTraceDumpCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
		return
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := root.Run(context.Background()); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
