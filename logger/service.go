// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger implements the out-of-process logger: a gRPC service that receives text
// written by instrumented processes and the crash reports of the sanitizer runtime, plus the
// client used by those processes.
package logger // import "github.com/syzygy-go/syzygy/logger"

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the logger service.
const ServiceName = "syzygy.logger.Logger"

const (
	writeMethod      = "/" + ServiceName + "/Write"
	saveReportMethod = "/" + ServiceName + "/SaveReport"
	stopMethod       = "/" + ServiceName + "/Stop"
)

// Service is implemented by logger service handlers.
type Service interface {
	// Write appends text to the log.
	Write(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// SaveReport stores a crash report.
	SaveReport(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Stop asks the service to shut down once in-flight calls are done.
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// RegisterService registers srv with s.
func RegisterService(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "SaveReport", Handler: saveReportHandler},
		{MethodName: "Stop", Handler: stopHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "syzygy/logger/logger.proto",
}

// unary decodes a request into a fresh M and runs call, through the interceptor if any.
func unary[M any](srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor, method string,
	call func(Service, context.Context, *M) (*emptypb.Empty, error)) (any, error) {
	in := new(M)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(srv.(Service), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(srv.(Service), ctx, req.(*M))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, writeMethod, Service.Write)
}

func saveReportHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, saveReportMethod, Service.SaveReport)
}

func stopHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, stopMethod, Service.Stop)
}
