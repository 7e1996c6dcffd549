// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime ties the ASan pieces of a process together: shadow, heaps, stack cache,
// Windows heap adapter and the error channel that turns bad accesses and heap corruption into
// crash reports.
package runtime // import "github.com/syzygy-go/syzygy/asan/runtime"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/syzygy-go/syzygy/asan/heap"
	"github.com/syzygy-go/syzygy/asan/report"
	"github.com/syzygy-go/syzygy/asan/shadow"
	"github.com/syzygy-go/syzygy/asan/stackcache"
	"github.com/syzygy-go/syzygy/asan/vmem"
	"github.com/syzygy-go/syzygy/asan/winheap"
	"github.com/syzygy-go/syzygy/config"
	"github.com/syzygy-go/syzygy/logger"
	"github.com/syzygy-go/syzygy/metrics"
	"github.com/syzygy-go/syzygy/metrics/agentmetrics"
	"github.com/syzygy-go/syzygy/periodiccaller"
	"github.com/syzygy-go/syzygy/times"
)

// ErrBadAccess is returned by Read and Write for accesses that were reported.
var ErrBadAccess = errors.New("bad memory access")

// Options are the dependencies of a Context. Zero fields get process defaults.
type Options struct {
	// Provider backs the heaps. Defaults to anonymous mappings where available.
	Provider vmem.Provider
	// DialOptions are passed to the logger client.
	DialOptions []grpc.DialOption
	// Exit ends the process when exit-on-failure is set. Defaults to os.Exit.
	Exit func(code int)
}

// Context is the ASan state of a process.
type Context struct {
	params   *config.AgentParameters
	provider vmem.Provider
	shadow   *shadow.Shadow
	stacks   *stackcache.Cache
	heaps    *heap.Manager
	winheap  *winheap.Adapter
	reports  *report.Builder
	logger   *logger.Client
	exit     func(code int)

	// errMu serializes error reporting so reports do not interleave.
	errMu    sync.Mutex
	callback func(*report.Report)

	errors      atomic.Uint64
	errorsDelta atomic.Uint64

	stopOnce sync.Once
	stop     []func()
}

// New creates a context configured by p.
func New(p *config.AgentParameters, opts Options) (*Context, error) {
	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = defaultProvider(); err != nil {
			return nil, err
		}
	}
	c := &Context{
		params:   p,
		provider: provider,
		shadow:   shadow.New(),
		stacks:   stackcache.New(p),
		exit:     opts.Exit,
	}
	if c.exit == nil {
		c.exit = os.Exit
	}
	times.StartRealtimeSync(context.Background(), 0)

	heaps, err := heap.NewManager(heap.Options{
		Params:       p,
		Provider:     provider,
		Shadow:       c.shadow,
		Stacks:       c.stacks,
		OnCorruption: c.onCorruption,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create heaps: %w", err)
	}
	c.heaps = heaps
	c.winheap = winheap.New(heaps)
	c.reports = &report.Builder{Heaps: heaps, Shadow: c.shadow, Stacks: c.stacks}

	if p.LoggerAddress != "" {
		client, err := logger.Dial(p.LoggerAddress, opts.DialOptions...)
		if err != nil {
			heaps.Close()
			return nil, err
		}
		c.logger = client
	}
	return c, nil
}

// FromEnvironment creates a context configured by the agent options environment variable.
func FromEnvironment() (*Context, error) {
	p, err := config.FromEnvironment()
	if err != nil {
		return nil, err
	}
	return New(p, Options{})
}

// Params returns the configuration of c.
func (c *Context) Params() *config.AgentParameters { return c.params }

// Shadow returns the shadow memory.
func (c *Context) Shadow() *shadow.Shadow { return c.shadow }

// Provider returns the memory provider backing the heaps.
func (c *Context) Provider() vmem.Provider { return c.provider }

// Stacks returns the stack cache.
func (c *Context) Stacks() *stackcache.Cache { return c.stacks }

// Heaps returns the heap manager.
func (c *Context) Heaps() *heap.Manager { return c.heaps }

// WinHeap returns the Windows heap API adapter.
func (c *Context) WinHeap() *winheap.Adapter { return c.winheap }

// SetErrorCallback registers fn to be called with every report before it is sent to the
// logger. fn runs with reporting serialized.
func (c *Context) SetErrorCallback(fn func(*report.Report)) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.callback = fn
}

// Errors returns the number of reported errors.
func (c *Context) Errors() uint64 { return c.errors.Load() }

func (c *Context) crashStack() report.Stack {
	return report.Stack(c.stacks.Capture(2).Frames())
}

// CheckAccess reports whether size bytes at addr may be accessed. Bad accesses are reported.
func (c *Context) CheckAccess(addr, size uintptr, mode report.AccessMode) bool {
	r, bad := c.reports.Access(addr, size, mode, nil)
	if !bad {
		return true
	}
	r.CrashStack = c.crashStack()
	c.OnError(r)
	return false
}

// access checks an access and returns the memory it touches.
func (c *Context) access(addr, size uintptr, mode report.AccessMode) ([]byte, error) {
	if !c.CheckAccess(addr, size, mode) {
		return nil, ErrBadAccess
	}
	b, err := c.provider.Bytes(addr, size, mode == report.AccessWrite)
	if err != nil {
		// The shadow allowed the access but the pages did not.
		c.OnError(&report.Report{
			Type:        report.InvalidAddress,
			Description: err.Error(),
			Address:     addr,
			AccessSize:  size,
			Mode:        mode,
			CrashStack:  c.crashStack(),
			Shadow:      c.shadow.Dump(addr, 64, 64),
		})
		return nil, fmt.Errorf("0x%x: %w: %w", addr, ErrBadAccess, err)
	}
	return b, nil
}

// Read returns a copy of size bytes at addr.
func (c *Context) Read(addr, size uintptr) ([]byte, error) {
	b, err := c.access(addr, size, report.AccessRead)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Write stores data at addr.
func (c *Context) Write(addr uintptr, data []byte) error {
	b, err := c.access(addr, uintptr(len(data)), report.AccessWrite)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Allocate allocates size bytes from the process heap.
func (c *Context) Allocate(size uintptr) (uintptr, error) {
	return c.heaps.Allocate(c.heaps.ProcessHeap(), size)
}

// Free frees ptr on the process heap. Invalid and double frees are reported. Corrupt blocks
// are reported by the heap when the corruption is found.
func (c *Context) Free(ptr uintptr) error {
	err := c.heaps.Free(c.heaps.ProcessHeap(), ptr)
	if err != nil && !errors.Is(err, heap.ErrCorruptBlock) {
		c.OnError(c.reports.BadFree(ptr, err, c.crashStack()))
	}
	return err
}

func (c *Context) onCorruption(corruption heap.Corruption) {
	c.OnError(c.reports.Corruption(corruption, c.crashStack()))
}

// OnError logs r, hands it to the error callback and the logger service, then ends the
// process when exit-on-failure is set.
func (c *Context) OnError(r *report.Report) {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if r.ThreadID == 0 {
		r.ThreadID = int(heap.ThreadID())
	}
	if r.Time.IsZero() {
		r.Time = times.Now().Time()
	}
	c.errors.Add(1)
	c.errorsDelta.Add(1)
	log.Errorf("ASan: %s on address %s", r.Type, report.FormatAddress(r.Address))
	if c.callback != nil {
		c.callback(r)
	}
	if c.logger != nil {
		c.send(r)
	}
	if c.params.ExitOnFailure {
		log.Errorf("ASan: exiting on failure")
		c.exit(1)
	}
}

func (c *Context) send(r *report.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), times.GRPCOperationTimeout)
	defer cancel()
	v, err := r.Value()
	if err != nil {
		log.Errorf("Failed to encode crash report: %v", err)
		return
	}
	if err := c.logger.SaveReport(ctx, v); err != nil {
		return
	}
	if c.params.LogAsText {
		if err := c.logger.Write(ctx, r.Text()); err != nil {
			log.Warnf("Failed to write text report: %v", err)
		}
	}
}

// Start hands the runtime counters and the process resource usage to the metrics package
// every metrics interval until ctx is done or Close is called. A positive stack report interval
// also logs the stack cache contents.
func (c *Context) Start(ctx context.Context, t times.IntervalsAndTimers) error {
	stopAgent, err := agentmetrics.Start(ctx, t.MetricsInterval())
	if err != nil {
		return err
	}
	times.StartRealtimeSync(ctx, times.RealtimeSyncInterval)
	c.stop = append(c.stop, stopAgent,
		periodiccaller.StartWithJitter(ctx, t.MetricsInterval(), 0.2, c.CollectMetrics))
	if t.StackReportInterval() > 0 {
		c.stop = append(c.stop, periodiccaller.Start(ctx, t.StackReportInterval(), func() {
			s := c.stacks.Stats()
			log.Infof("Stack cache: %d unique of %d captures, compression %.2f%%",
				s.Unique, s.Total, 100*s.Compression())
		}))
	}
	return nil
}

// CollectMetrics hands the counters accumulated since the previous call to the metrics
// package.
func (c *Context) CollectMetrics() {
	c.heaps.CollectMetrics()
	c.stacks.CollectMetrics()
	if c.logger != nil {
		c.logger.CollectMetrics()
	}
	metrics.Add(metrics.IDAccessErrors, metrics.MetricValue(c.errorsDelta.Swap(0)))
}

// Close stops metrics collection and releases the heaps and the logger connection.
func (c *Context) Close() error {
	var errs []error
	c.stopOnce.Do(func() {
		for _, stop := range c.stop {
			stop()
		}
		errs = append(errs, c.heaps.Close())
		if c.logger != nil {
			errs = append(errs, c.logger.Close())
		}
		defaultContext.CompareAndSwap(c, nil)
	})
	return errors.Join(errs...)
}

var defaultContext atomic.Pointer[Context]

// SetDefault installs c as the context used by process-wide entry points and returns the
// previous one.
func SetDefault(c *Context) *Context {
	return defaultContext.Swap(c)
}

// Default returns the installed context, or nil.
func Default() *Context {
	return defaultContext.Load()
}
