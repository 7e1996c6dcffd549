// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config parses the options of the in-process agents. All options come from one
// environment variable holding whitespace separated flags, for example
//
//	SYZYGY_AGENT_OPTIONS="--quarantine-size=1048576 --exit-on-failure"
package config // import "github.com/syzygy-go/syzygy/config"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
)

// EnvironmentVariable holds the agent options.
const EnvironmentVariable = "SYZYGY_AGENT_OPTIONS"

// MaxFrames is the largest number of frames a stack capture can hold.
const MaxFrames = 62

const (
	defaultQuarantineSize      = 16 << 20
	defaultQuarantineBlockSize = 4 << 20
	defaultMinRedzone          = 16
	defaultMaxRedzone          = 2048
)

// ErrInvalidOption is returned for option values outside their valid range.
var ErrInvalidOption = errors.New("invalid agent option")

// StackTracking selects how the call logger identifies the stack of a call.
type StackTracking uint8

const (
	// TrackingNone uses stack id 0 for every call.
	TrackingNone StackTracking = iota
	// TrackingTrack derives the stack id from the current stack.
	TrackingTrack
	// TrackingEmit derives the stack id and writes each new stack to the trace.
	TrackingEmit
)

var trackingNames = []string{"none", "track", "emit"}

func (s StackTracking) String() string {
	if int(s) < len(trackingNames) {
		return trackingNames[s]
	}
	return fmt.Sprintf("StackTracking(%d)", uint8(s))
}

// Set implements flag.Value.
func (s *StackTracking) Set(v string) error {
	for i, name := range trackingNames {
		if v == name {
			*s = StackTracking(i)
			return nil
		}
	}
	return fmt.Errorf("stack-trace-tracking %q: %w", v, ErrInvalidOption)
}

// AgentParameters are the options shared by the ASan runtime and the call logger.
type AgentParameters struct {
	StackTracking       StackTracking
	SerializeTimestamps bool
	HashContentsAtFree  bool
	QuarantineSize      uint64
	QuarantineMaxCount  uint64
	QuarantineBlockSize uint64
	// PageHeapThreshold is the allocation size from which blocks get their own pages. Zero
	// disables the page heap.
	PageHeapThreshold  uint64
	MinRedzone         uint64
	MaxRedzone         uint64
	MaxNumFrames       int
	BottomFramesToSkip int
	// ReportingPeriod is the number of stack cache insertions between two compression log
	// lines. Zero disables the log.
	ReportingPeriod uint64
	ExitOnFailure   bool
	LogAsText       bool
	// LoggerAddress is the address of the logger service. Reports are only logged locally when
	// it is empty.
	LoggerAddress string
}

// Defaults returns the parameters used when no option is given.
func Defaults() *AgentParameters {
	return &AgentParameters{
		QuarantineSize:      defaultQuarantineSize,
		QuarantineBlockSize: defaultQuarantineBlockSize,
		MinRedzone:          defaultMinRedzone,
		MaxRedzone:          defaultMaxRedzone,
		MaxNumFrames:        MaxFrames,
		LogAsText:           true,
	}
}

func (p *AgentParameters) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("syzygy-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.Var(&p.StackTracking, "stack-trace-tracking",
		"Stack id policy of the call logger: none, track or emit.")
	fs.BoolVar(&p.SerializeTimestamps, "serialize-timestamps", p.SerializeTimestamps,
		"Stamp call records with a counter instead of the monotonic clock.")
	fs.BoolVar(&p.HashContentsAtFree, "hash-contents-at-free", p.HashContentsAtFree,
		"Hash freed blocks and verify the hash when they leave the quarantine.")
	fs.Uint64Var(&p.QuarantineSize, "quarantine-size", p.QuarantineSize,
		"Maximum number of bytes held by the quarantine.")
	fs.Uint64Var(&p.QuarantineMaxCount, "quarantine-max-count", p.QuarantineMaxCount,
		"Maximum number of blocks held by the quarantine, 0 for no limit.")
	fs.Uint64Var(&p.QuarantineBlockSize, "quarantine-block-size", p.QuarantineBlockSize,
		"Blocks larger than this are released without being quarantined.")
	fs.Uint64Var(&p.PageHeapThreshold, "page-heap-threshold", p.PageHeapThreshold,
		"Allocations of at least this size get guard pages, 0 to disable.")
	fs.Uint64Var(&p.MinRedzone, "min-redzone", p.MinRedzone, "Minimum redzone size.")
	fs.Uint64Var(&p.MaxRedzone, "max-redzone", p.MaxRedzone, "Maximum right redzone size.")
	fs.IntVar(&p.MaxNumFrames, "max-num-frames", p.MaxNumFrames,
		"Maximum number of frames kept per stack capture.")
	fs.IntVar(&p.BottomFramesToSkip, "bottom-frames-to-skip", p.BottomFramesToSkip,
		"Number of outermost frames dropped from stack captures.")
	fs.Uint64Var(&p.ReportingPeriod, "reporting-period", p.ReportingPeriod,
		"Stack cache insertions between compression log lines, 0 to disable.")
	fs.BoolVar(&p.ExitOnFailure, "exit-on-failure", p.ExitOnFailure,
		"Terminate the process after reporting memory corruption.")
	fs.BoolVar(&p.LogAsText, "log-as-text", p.LogAsText,
		"Also send reports to the logger as text.")
	fs.StringVar(&p.LoggerAddress, "logger-address", p.LoggerAddress,
		"Address of the logger service.")
	return fs
}

func (p *AgentParameters) validate() error {
	switch {
	case p.MinRedzone < 8 || p.MinRedzone&(p.MinRedzone-1) != 0:
		return fmt.Errorf("min-redzone %d is not a power of two of at least 8: %w",
			p.MinRedzone, ErrInvalidOption)
	case p.MaxRedzone < p.MinRedzone || p.MaxRedzone%8 != 0:
		return fmt.Errorf("max-redzone %d: %w", p.MaxRedzone, ErrInvalidOption)
	case p.MaxNumFrames < 1 || p.MaxNumFrames > MaxFrames:
		return fmt.Errorf("max-num-frames %d not in [1, %d]: %w", p.MaxNumFrames, MaxFrames,
			ErrInvalidOption)
	case p.BottomFramesToSkip < 0 || p.BottomFramesToSkip >= MaxFrames:
		return fmt.Errorf("bottom-frames-to-skip %d: %w", p.BottomFramesToSkip,
			ErrInvalidOption)
	}
	return nil
}

// tokens splits options on whitespace. Options may be given with or without leading dashes.
func tokens(options string) []string {
	fields := strings.Fields(options)
	for i, f := range fields {
		if !strings.HasPrefix(f, "-") {
			fields[i] = "--" + f
		}
	}
	return fields
}

// Parse parses options on top of the defaults. Unknown options are an error.
func Parse(options string, opts ...ff.Option) (*AgentParameters, error) {
	p := Defaults()
	fs := p.flagSet()
	if err := ff.Parse(fs, tokens(options), opts...); err != nil {
		return nil, fmt.Errorf("parsing agent options: %w", err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q: %w", fs.Arg(0), ErrInvalidOption)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromEnvironment parses EnvironmentVariable. Individual options may also be given as
// SYZYGY_<OPTION> variables, for example SYZYGY_QUARANTINE_SIZE; the flags in
// EnvironmentVariable take precedence.
func FromEnvironment() (*AgentParameters, error) {
	return Parse(os.Getenv(EnvironmentVariable), ff.WithEnvVarPrefix("SYZYGY"))
}
