// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package readatbuf_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syzygy-go/syzygy/core/readatbuf"
	"github.com/syzygy-go/syzygy/testsupport"
)

func testVariant(t *testing.T, fileSize, pageSize, cachedPages uint32) {
	file := testsupport.GenerateTestInputFile(255, uint(fileSize))
	rawReader := bytes.NewReader(file)
	cachingReader, err := readatbuf.New(rawReader, pageSize, cachedPages)
	require.NoError(t, err)

	testsupport.ValidateReadAtWrapperTransparency(t, 10000, file, cachingReader)
}

func TestCaching(t *testing.T) {
	tests := map[string]struct {
		fileSize, pageSize, cachedPages uint32
	}{
		"aligned":    {fileSize: 4096, pageSize: 1024, cachedPages: 4},
		"unaligned":  {fileSize: 3001, pageSize: 1024, cachedPages: 2},
		"tiny pages": {fileSize: 1000, pageSize: 7, cachedPages: 16},
		"single":     {fileSize: 512, pageSize: 4096, cachedPages: 1},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			testVariant(t, test.fileSize, test.pageSize, test.cachedPages)
		})
	}
}

func TestReadPage(t *testing.T) {
	file := testsupport.GenerateTestInputFile(100, 2500)
	r, err := readatbuf.New(bytes.NewReader(file), 1024, 2)
	require.NoError(t, err)

	p, err := r.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, file[1024:2048], p)

	p, err = r.ReadPage(2)
	require.NoError(t, err)
	assert.Equal(t, file[2048:], p)

	_, err = r.ReadPage(1)
	require.NoError(t, err)
	stats := r.Statistics()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)

	r.InvalidateCache()
	assert.Equal(t, readatbuf.Statistics{}, r.Statistics())
}

func TestInvalidArguments(t *testing.T) {
	_, err := readatbuf.New(bytes.NewReader(nil), 0, 1)
	require.Error(t, err)
	_, err = readatbuf.New(bytes.NewReader(nil), 1, 0)
	require.Error(t, err)
}
