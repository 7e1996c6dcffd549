// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package logger // import "github.com/syzygy-go/syzygy/logger"

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/syzygy-go/syzygy/metrics"
	"github.com/syzygy-go/syzygy/successfailurecounter"
	"github.com/syzygy-go/syzygy/times"
)

// Client talks to a logger service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration

	reports successfailurecounter.Totals
}

// Dial creates a client for the service at address. Extra options are appended to the
// defaults, which use an insecure local transport.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMsgSize),
			grpc.MaxCallSendMsgSize(MaxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("logger client for %v: %w", address, err)
	}
	return &Client{conn: conn, timeout: times.GRPCOperationTimeout}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, in, new(emptypb.Empty))
}

// Write appends text to the log.
func (c *Client) Write(ctx context.Context, text string) error {
	return c.invoke(ctx, writeMethod, wrapperspb.String(text))
}

// SaveReport stores a crash report.
func (c *Client) SaveReport(ctx context.Context, report *structpb.Struct) error {
	sfc := c.reports.Counter()
	defer sfc.DefaultToFailure()
	if err := c.invoke(ctx, saveReportMethod, report); err != nil {
		log.Errorf("Failed to save crash report: %v", err)
		return err
	}
	sfc.ReportSuccess()
	return nil
}

// Stop asks the service to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, stopMethod, &emptypb.Empty{})
}

// CollectMetrics hands the report delivery failures since the previous call to the metrics
// package.
func (c *Client) CollectMetrics() {
	_, failed := c.reports.Drain()
	metrics.Add(metrics.IDLoggerReportFailures, metrics.MetricValue(failed))
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
