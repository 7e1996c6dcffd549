// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/syzygy-go/syzygy/trace"
)

type traceDumpCmd struct {
	input string
	raw   string
}

func newTraceDumpCmd() *ffcli.Command {
	args := &traceDumpCmd{}

	set := flag.NewFlagSet("tracedump", flag.ExitOnError)
	set.StringVar(&args.input, "i", "", "The trace file path")
	set.StringVar(&args.raw, "raw", "", "Write the decompressed segments to this path instead")

	return &ffcli.Command{
		Name:       "tracedump",
		Exec:       args.exec,
		ShortUsage: "tracedump -i calls.trace [-raw out.bin]",
		ShortHelp:  "Print the records of a call trace file",
		FlagSet:    set,
	}
}

func (cmd *traceDumpCmd) exec(context.Context, []string) error {
	if cmd.input == "" {
		return errors.New("missing required argument `i`")
	}
	r, err := trace.OpenFile(cmd.input)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer r.Close()

	var out io.Writer = os.Stdout
	if cmd.raw != "" {
		f, err := os.Create(cmd.raw)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for i := range r.NumSegments() {
		data, err := r.Segment(i)
		if err != nil {
			return err
		}
		if cmd.raw != "" {
			if _, err = out.Write(data); err != nil {
				return fmt.Errorf("failed to write segment %d: %w", i, err)
			}
			continue
		}
		records, err := trace.ParseRecords(data)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		for _, rec := range records {
			if err = dumpRecord(out, rec); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
		}
	}
	return nil
}

func dumpRecord(out io.Writer, rec trace.Record) error {
	switch rec.Type {
	case trace.RecordSegmentHeader:
		h, err := trace.DecodeSegmentHeader(rec.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "segment %d thread %d\n", h.SegmentID, h.ThreadID)
	case trace.RecordFunctionName:
		n, err := trace.DecodeFunctionName(rec.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  function %d %s\n", n.ID, n.Name)
	case trace.RecordStackTrace:
		s, err := trace.DecodeStackTrace(rec.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  stack 0x%08x", s.ID)
		for _, pc := range s.Frames {
			fmt.Fprintf(out, " 0x%x", pc)
		}
		fmt.Fprintln(out)
	case trace.RecordDetailedCall:
		c, err := trace.DecodeDetailedCall(rec.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  call %d stack 0x%08x at %d, %d args\n", c.FunctionID,
			c.StackTraceID, c.Timestamp, len(c.Args))
	default:
		fmt.Fprintf(out, "  %v record of %d bytes\n", rec.Type, len(rec.Payload))
	}
	return nil
}
