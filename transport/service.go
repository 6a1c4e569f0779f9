package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the gRPC service path component; kept stable so
// client and server agree without a generated descriptor.
const serviceName = "hyperraft.transport.RaftTransport"

// raftTransportServer is the narrow interface the generated-by-hand
// ServiceDesc dispatches to; *Server implements it.
type raftTransportServer interface {
	RequestVote(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AppendEntries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InstallSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// unaryHandler builds a grpc.MethodDesc.Handler for a single RPC
// method that takes and returns a *structpb.Struct.
func unaryHandler(method func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(ctx, in)
		}
		info := &grpc.UnaryServerInfo{FullMethod: serviceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a three-RPC service exchanging
// google.protobuf.Struct messages. No descriptor bytes are required:
// grpc.Server only needs method names and typed handler funcs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return unaryHandler(srv.(raftTransportServer).RequestVote)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "AppendEntries",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return unaryHandler(srv.(raftTransportServer).AppendEntries)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "InstallSnapshot",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return unaryHandler(srv.(raftTransportServer).InstallSnapshot)(srv, ctx, dec, interceptor)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hyperraft/transport.proto",
}
