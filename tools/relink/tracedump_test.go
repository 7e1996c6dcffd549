// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/trace"
)

func TestDumpRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := trace.NewFileWriter(&buf)
	require.NoError(t, err)
	session := trace.NewSession(w, 0)
	seg := session.NewSegment(4)
	name := trace.FunctionName{ID: 0, Name: "malloc"}
	name.Encode(seg.Allocate(trace.RecordFunctionName, name.Size()))
	call := trace.DetailedCall{FunctionID: 0, Timestamp: 7, Args: [][]byte{{16}}}
	call.Encode(seg.Allocate(trace.RecordDetailedCall, call.Size()))
	require.NoError(t, session.Flush(seg))
	require.NoError(t, w.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "calls.trace")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	records, err := trace.ParseRecords(seg.Bytes())
	require.NoError(t, err)
	var out bytes.Buffer
	for _, rec := range records {
		require.NoError(t, dumpRecord(&out, rec))
	}
	assert.Equal(t, "segment 0 thread 4\n"+
		"  function 0 malloc\n"+
		"  call 0 stack 0x00000000 at 7, 1 args\n", out.String())

	raw := filepath.Join(dir, "calls.bin")
	cmd := &traceDumpCmd{input: path, raw: raw}
	require.NoError(t, cmd.exec(context.Background(), nil))
	got, err := os.ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, seg.Bytes(), got)
}

func TestRelinkArguments(t *testing.T) {
	tests := map[string]relinkCmd{
		"no input":        {output: "out.exe"},
		"no output":       {input: "in.exe"},
		"pdb without out": {input: "in.exe", output: "out.exe", inputPDB: "in.pdb"},
	}
	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cmd.exec(context.Background(), nil))
		})
	}
}
