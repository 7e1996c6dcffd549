// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids writes the metric id constants of metrics.json as Go source.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
)

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	Unit        string `json:"unit"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

// validate checks that ids are dense, in order and names unique, which the metrics package
// relies on when sizing its buffers by IDMax.
func validate(defs []metricDef) error {
	names := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		if d.ID != uint32(i) {
			return fmt.Errorf("entry %d (%s) has id %d", i, d.Name, d.ID)
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate metric name %s", d.Name)
		}
		names[d.Name] = struct{}{}
		if d.MetricType != "counter" && d.MetricType != "gauge" {
			return fmt.Errorf("%s: unknown type %q", d.Name, d.MetricType)
		}
	}
	return nil
}

func generate(defs []metricDef) ([]byte, error) {
	var output bytes.Buffer
	output.WriteString(
		"// Code generated from metrics.json. DO NOT EDIT.\n" +
			"\n" +
			"package metrics\n" +
			"\n" +
			"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
			"// Then run 'go generate ./metrics'.\n" +
			"\n" +
			"// Below are the different metric IDs that we currently implement.\n" +
			"const (\n")

	for _, m := range defs {
		if m.Obsolete {
			continue
		}
		fmt.Fprintf(&output, "\n\t// %s\n\tID%s = %d\n", m.Description, m.Name, m.ID)
	}

	output.WriteString(
		"\n\t// max number of ID values, keep this as *last entry*\n" +
			fmt.Sprintf("\tIDMax = %d\n)\n", len(defs)))
	return format.Source(output.Bytes())
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}

	input, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	var defs []metricDef
	if err = json.Unmarshal(input, &defs); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshaling: %v\n", err)
		os.Exit(1)
	}
	if err = validate(defs); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	src, err := generate(defs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting: %v\n", err)
		os.Exit(1)
	}
	if err = os.WriteFile(os.Args[2], src, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
