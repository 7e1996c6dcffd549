// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/report"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/logger"
	"github.com/syzygy-go/syzygy/times"
)

type fixture struct {
	ctx     *Context
	reports []*report.Report
	exits   []int
}

func newFixture(t *testing.T, options string, opts Options) *fixture {
	t.Helper()
	p, err := config.Parse(options)
	require.NoError(t, err)
	provider, err := vmem.NewSimulated(vmem.DefaultSimulatedBase, 4096)
	require.NoError(t, err)

	f := &fixture{}
	opts.Provider = provider
	opts.Exit = func(code int) { f.exits = append(f.exits, code) }
	f.ctx, err = New(p, opts)
	require.NoError(t, err)
	f.ctx.SetErrorCallback(func(r *report.Report) { f.reports = append(f.reports, r) })
	t.Cleanup(func() { assert.NoError(t, f.ctx.Close()) })
	return f
}

func TestReadWrite(t *testing.T) {
	f := newFixture(t, "", Options{})
	ptr, err := f.ctx.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, f.ctx.Write(ptr, []byte("0123456789abcdef")))
	got, err := f.ctx.Read(ptr+4, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789ab"), got)
	assert.True(t, f.ctx.CheckAccess(ptr, 16, report.AccessRead))
	assert.Empty(t, f.reports)
	require.NoError(t, f.ctx.Free(ptr))
}

func TestOverflowReported(t *testing.T) {
	f := newFixture(t, "", Options{})
	ptr, err := f.ctx.Allocate(16)
	require.NoError(t, err)

	require.ErrorIs(t, f.ctx.Write(ptr+16, []byte{1}), ErrBadAccess)
	require.Len(t, f.reports, 1)
	r := f.reports[0]
	assert.Equal(t, report.HeapBufferOverflow, r.Type)
	assert.WithinDuration(t, time.Now(), r.Time, time.Minute)
	assert.Equal(t, ptr+16, r.Address)
	assert.Equal(t, report.AccessWrite, r.Mode)
	require.NotNil(t, r.Block)
	assert.Equal(t, uintptr(16), r.Block.Layout.BodySize)
	assert.NotEmpty(t, r.AllocStack)
	assert.NotEmpty(t, r.CrashStack)
	assert.Equal(t, uint64(1), f.ctx.Errors())
	assert.Empty(t, f.exits)
}

func TestUseAfterFreeReported(t *testing.T) {
	f := newFixture(t, "", Options{})
	ptr, err := f.ctx.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, f.ctx.Free(ptr))

	_, err = f.ctx.Read(ptr, 1)
	require.ErrorIs(t, err, ErrBadAccess)
	require.Len(t, f.reports, 1)
	assert.Equal(t, report.UseAfterFree, f.reports[0].Type)
	assert.NotEmpty(t, f.reports[0].AllocStack)
	assert.NotEmpty(t, f.reports[0].FreeStack)
}

func TestBadFreesReported(t *testing.T) {
	tests := map[string]struct {
		free func(ptr uintptr) uintptr
		want report.ErrorType
	}{
		"double free": {
			free: func(ptr uintptr) uintptr { return ptr },
			want: report.DoubleFree,
		},
		"interior pointer": {
			free: func(ptr uintptr) uintptr { return ptr + 8 },
			want: report.InvalidFree,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "", Options{})
			ptr, err := f.ctx.Allocate(32)
			require.NoError(t, err)
			if tc.want == report.DoubleFree {
				require.NoError(t, f.ctx.Free(ptr))
			}
			require.Error(t, f.ctx.Free(tc.free(ptr)))
			require.Len(t, f.reports, 1)
			assert.Equal(t, tc.want, f.reports[0].Type)
		})
	}
}

func TestCorruptionReported(t *testing.T) {
	f := newFixture(t, "--exit-on-failure", Options{})
	ptr, err := f.ctx.Allocate(24)
	require.NoError(t, err)

	header, err := f.ctx.Provider().Bytes(ptr-heap.HeaderSize, heap.HeaderSize, true)
	require.NoError(t, err)
	header[0] ^= 0xff

	require.ErrorIs(t, f.ctx.Free(ptr), heap.ErrCorruptBlock)
	require.Len(t, f.reports, 1)
	assert.Equal(t, report.CorruptBlock, f.reports[0].Type)
	assert.Equal(t, []int{1}, f.exits)
}

func TestReportsSentToLogger(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	var text, reports bytes.Buffer
	server := logger.NewServer(&text, &reports, time.Second)
	require.NoError(t, server.Serve(lis))
	done := make(chan error, 1)
	go func() { done <- server.RunToCompletion(context.Background()) }()

	f := newFixture(t, "--logger-address=passthrough:///bufnet", Options{
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	ptr, err := f.ctx.Allocate(16)
	require.NoError(t, err)
	assert.False(t, f.ctx.CheckAccess(ptr-1, 1, report.AccessRead))

	server.Stop()
	require.NoError(t, <-done)
	assert.Contains(t, reports.String(), "heap-buffer-underflow")
	assert.Contains(t, text.String(), "heap-buffer-underflow")
}

func TestDefaultContext(t *testing.T) {
	f := newFixture(t, "", Options{})
	prev := SetDefault(f.ctx)
	t.Cleanup(func() { SetDefault(prev) })
	assert.Same(t, f.ctx, Default())

	require.NoError(t, f.ctx.Close())
	assert.Nil(t, Default())
	require.NoError(t, f.ctx.Close())
}

func TestConcurrentErrors(t *testing.T) {
	f := newFixture(t, "", Options{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptr, err := f.ctx.Allocate(8)
			if !assert.NoError(t, err) {
				return
			}
			f.ctx.CheckAccess(ptr+8, 1, report.AccessRead)
		}()
	}
	wg.Wait()
	assert.Len(t, f.reports, 8)
	assert.Equal(t, uint64(8), f.ctx.Errors())
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t, "", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.ctx.Start(ctx, times.New(5*time.Millisecond, 5*time.Millisecond)))

	ptr, err := f.ctx.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, f.ctx.Free(ptr))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.ctx.Close())
}
