// Package rpc builds gRPC service descriptors whose messages are protobuf
// well-known types, so admin services need no generated stubs.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Unary adapts a typed handler method into a grpc.MethodDesc. Srv is the
// service implementation type registered with the ServiceDesc.
func Unary[Srv any, Req proto.Message, Resp proto.Message](serviceName, method string, newReq func() Req, call func(Srv, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Srv), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(Srv), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the "/service/method" name used by interceptors.
func FullMethod(serviceName, method string) string {
	return "/" + serviceName + "/" + method
}

// NewEmpty, NewStruct and NewString allocate request messages for Unary.
func NewEmpty() *emptypb.Empty { return new(emptypb.Empty) }

func NewStruct() *structpb.Struct { return new(structpb.Struct) }

func NewString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
