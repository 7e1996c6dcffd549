// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		options string
		check   func(*testing.T, *AgentParameters)
	}{
		"defaults": {
			check: func(t *testing.T, p *AgentParameters) {
				assert.Equal(t, Defaults(), p)
				assert.Equal(t, TrackingNone, p.StackTracking)
				assert.True(t, p.LogAsText)
			},
		},
		"quarantine and booleans": {
			options: "--quarantine-size=1024  --quarantine-max-count=3\t--exit-on-failure",
			check: func(t *testing.T, p *AgentParameters) {
				assert.Equal(t, uint64(1024), p.QuarantineSize)
				assert.Equal(t, uint64(3), p.QuarantineMaxCount)
				assert.True(t, p.ExitOnFailure)
				assert.False(t, p.HashContentsAtFree)
			},
		},
		"without dashes": {
			options: "stack-trace-tracking=emit serialize-timestamps log-as-text=false",
			check: func(t *testing.T, p *AgentParameters) {
				assert.Equal(t, TrackingEmit, p.StackTracking)
				assert.True(t, p.SerializeTimestamps)
				assert.False(t, p.LogAsText)
			},
		},
		"redzones and frames": {
			options: "--min-redzone=32 --max-redzone=64 --max-num-frames=10 " +
				"--bottom-frames-to-skip=2 --page-heap-threshold=65536 --reporting-period=100",
			check: func(t *testing.T, p *AgentParameters) {
				assert.Equal(t, uint64(32), p.MinRedzone)
				assert.Equal(t, uint64(64), p.MaxRedzone)
				assert.Equal(t, 10, p.MaxNumFrames)
				assert.Equal(t, 2, p.BottomFramesToSkip)
				assert.Equal(t, uint64(65536), p.PageHeapThreshold)
				assert.Equal(t, uint64(100), p.ReportingPeriod)
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := Parse(tc.options)
			require.NoError(t, err)
			tc.check(t, p)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		options string
		invalid bool
	}{
		"unknown option":      {options: "--no-such-option"},
		"bad number":          {options: "--quarantine-size=lots"},
		"bad tracking":        {options: "--stack-trace-tracking=sometimes"},
		"redzone not pow2":    {options: "--min-redzone=24", invalid: true},
		"max below min":       {options: "--min-redzone=64 --max-redzone=32", invalid: true},
		"too many frames":     {options: "--max-num-frames=63", invalid: true},
		"no frames":           {options: "--max-num-frames=0", invalid: true},
		"negative skip":       {options: "--bottom-frames-to-skip=-1", invalid: true},
		"positional argument": {options: "-- stray", invalid: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tc.options)
			require.Error(t, err)
			if tc.invalid {
				assert.ErrorIs(t, err, ErrInvalidOption)
			}
		})
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(EnvironmentVariable, "--quarantine-size=4096")
	t.Setenv("SYZYGY_QUARANTINE_MAX_COUNT", "7")
	t.Setenv("SYZYGY_QUARANTINE_SIZE", "1")
	p, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), p.QuarantineSize)
	assert.Equal(t, uint64(7), p.QuarantineMaxCount)
}

func TestStackTrackingString(t *testing.T) {
	assert.Equal(t, "track", TrackingTrack.String())
	assert.Equal(t, "StackTracking(9)", StackTracking(9).String())
}
