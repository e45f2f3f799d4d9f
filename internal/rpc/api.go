// Package rpc exposes the monitor over gRPC as service shotpipe.v1.Monitor.
//
// The service is described by hand instead of generated from a .proto file:
// every request and response is a protobuf well-known type, so no message
// code needs generating.
//
//	rpc Start(google.protobuf.Empty)  returns (google.protobuf.BoolValue);
//	rpc Stop(google.protobuf.Empty)   returns (google.protobuf.BoolValue);
//	rpc Toggle(google.protobuf.Empty) returns (google.protobuf.BoolValue);
//	rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	rpc Latest(google.protobuf.Empty) returns (google.api.HttpBody);
//	rpc Copy(google.api.HttpBody)     returns (google.protobuf.Empty);
//	rpc Watch(google.protobuf.Empty)  returns (stream google.protobuf.Struct);
package rpc

import (
	"context"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "shotpipe.v1.Monitor"

const (
	methodStart  = "/" + ServiceName + "/Start"
	methodStop   = "/" + ServiceName + "/Stop"
	methodToggle = "/" + ServiceName + "/Toggle"
	methodStatus = "/" + ServiceName + "/Status"
	methodLatest = "/" + ServiceName + "/Latest"
	methodCopy   = "/" + ServiceName + "/Copy"
	methodWatch  = "/" + ServiceName + "/Watch"
)

// MonitorServer is the server API for the Monitor service.
type MonitorServer interface {
	Start(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Stop(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Toggle(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Latest(context.Context, *emptypb.Empty) (*httpbody.HttpBody, error)
	Copy(context.Context, *httpbody.HttpBody) (*emptypb.Empty, error)
	Watch(*emptypb.Empty, WatchServer) error
}

// WatchServer is the server side of the Watch stream.
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (s *watchServer) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// ServiceDesc describes the Monitor service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unary(methodStart, MonitorServer.Start)},
		{MethodName: "Stop", Handler: unary(methodStop, MonitorServer.Stop)},
		{MethodName: "Toggle", Handler: unary(methodToggle, MonitorServer.Toggle)},
		{MethodName: "Status", Handler: unary(methodStatus, MonitorServer.Status)},
		{MethodName: "Latest", Handler: unary(methodLatest, MonitorServer.Latest)},
		{MethodName: "Copy", Handler: unary(methodCopy, MonitorServer.Copy)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "shotpipe/v1/monitor.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv MonitorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a MonitorServer method to a grpc.MethodHandler, the same
// shape protoc-gen-go-grpc emits for each method.
func unary[Req any, Resp any](fullMethod string, call func(MonitorServer, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MonitorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MonitorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MonitorServer).Watch(in, &watchServer{stream})
}
