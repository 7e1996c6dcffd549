// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package logger // import "github.com/syzygy-go/syzygy/logger"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/syzygy-go/syzygy/metrics"
)

// MaxMsgSize bounds the size of a single request.
const MaxMsgSize = 32 << 20

// ErrNotStarted is returned by RunToCompletion before Start.
var ErrNotStarted = errors.New("logger server not started")

// Server is the logger service. Text and reports are written to their destinations one call
// at a time.
type Server struct {
	drainTimeout time.Duration

	mu      sync.Mutex
	text    io.Writer
	reports io.Writer

	grpc     *grpc.Server
	lis      net.Listener
	served   chan error
	stopping chan struct{}
	stopOnce sync.Once

	writes, saved atomic.Uint64
}

// NewServer creates a server writing text to text and one JSON object per report to reports.
// drainTimeout bounds how long RunToCompletion waits for in-flight calls.
func NewServer(text, reports io.Writer, drainTimeout time.Duration) *Server {
	return &Server{
		drainTimeout: drainTimeout,
		text:         text,
		reports:      reports,
		stopping:     make(chan struct{}),
	}
}

// Start listens on address and serves in the background.
func (s *Server) Start(ctx context.Context, address string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen at %v: %w", address, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if s.grpc != nil {
		return errors.New("logger server already started")
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(MaxMsgSize),
		grpc.MaxSendMsgSize(MaxMsgSize),
	)
	RegisterService(s.grpc, (*service)(s))
	s.lis = lis
	s.served = make(chan error, 1)
	go func() {
		s.served <- s.grpc.Serve(lis)
	}()
	log.Infof("Logger serving at %v", lis.Addr())
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop asks the server to shut down. It does not wait.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Stopping is closed once Stop was called.
func (s *Server) Stopping() <-chan struct{} { return s.stopping }

// RunToCompletion blocks until Stop is called or ctx is done, then drains in-flight calls and
// unregisters the service.
func (s *Server) RunToCompletion(ctx context.Context) error {
	if s.grpc == nil {
		return ErrNotStarted
	}
	select {
	case <-s.stopping:
	case <-ctx.Done():
	case err := <-s.served:
		return err
	}

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.drainTimeout):
		log.Warnf("Logger: in-flight calls not drained after %v", s.drainTimeout)
		s.grpc.Stop()
	}
	err := <-s.served
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	log.Infof("Logger stopped after %d writes and %d reports", s.writes.Load(), s.saved.Load())
	return err
}

// CollectMetrics hands the counters accumulated since the previous call to the metrics
// package.
func (s *Server) CollectMetrics() {
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDLoggerWrites, Value: metrics.MetricValue(s.writes.Swap(0))},
		{ID: metrics.IDLoggerReports, Value: metrics.MetricValue(s.saved.Swap(0))},
	})
}

// service adapts Server to the generated handler shape.
type service Server

func (s *service) Write(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	text := in.GetValue()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.text, text); err != nil {
		return nil, err
	}
	s.writes.Add(1)
	return &emptypb.Empty{}, nil
}

func (s *service) SaveReport(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.reports.Write(data); err != nil {
		return nil, err
	}
	s.saved.Add(1)
	return &emptypb.Empty{}, nil
}

func (s *service) Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	(*Server)(s).Stop()
	return &emptypb.Empty{}, nil
}
