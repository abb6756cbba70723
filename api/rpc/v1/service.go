package rpcv1

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified names of the FunctionRpc service
const (
	FunctionRpcServiceName       = "funcworker.rpc.v1.FunctionRpc"
	FunctionRpcEventStreamMethod = "/funcworker.rpc.v1.FunctionRpc/EventStream"
)

// FunctionRpcClient is the worker side of the FunctionRpc service
type FunctionRpcClient interface {
	EventStream(ctx context.Context, opts ...grpc.CallOption) (FunctionRpc_EventStreamClient, error)
}

type functionRpcClient struct {
	cc grpc.ClientConnInterface
}

// NewFunctionRpcClient returns a FunctionRpc client bound to cc
func NewFunctionRpcClient(cc grpc.ClientConnInterface) FunctionRpcClient {
	return &functionRpcClient{cc: cc}
}

func (c *functionRpcClient) EventStream(ctx context.Context, opts ...grpc.CallOption) (FunctionRpc_EventStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &FunctionRpc_ServiceDesc.Streams[0], FunctionRpcEventStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &functionRpcEventStreamClient{ClientStream: stream}, nil
}

// FunctionRpc_EventStreamClient is the client half of the event stream.
//
//nolint:revive // Mirrors the naming of generated gRPC stream types
type FunctionRpc_EventStreamClient interface {
	Send(*StreamingMessage) error
	Recv() (*StreamingMessage, error)
	grpc.ClientStream
}

type functionRpcEventStreamClient struct {
	grpc.ClientStream
}

func (x *functionRpcEventStreamClient) Send(m *StreamingMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *functionRpcEventStreamClient) Recv() (*StreamingMessage, error) {
	m := new(StreamingMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FunctionRpcServer is the host side of the FunctionRpc service
type FunctionRpcServer interface {
	EventStream(FunctionRpc_EventStreamServer) error
}

// FunctionRpc_EventStreamServer is the server half of the event stream.
//
//nolint:revive // Mirrors the naming of generated gRPC stream types
type FunctionRpc_EventStreamServer interface {
	Send(*StreamingMessage) error
	Recv() (*StreamingMessage, error)
	grpc.ServerStream
}

type functionRpcEventStreamServer struct {
	grpc.ServerStream
}

func (x *functionRpcEventStreamServer) Send(m *StreamingMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *functionRpcEventStreamServer) Recv() (*StreamingMessage, error) {
	m := new(StreamingMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func functionRpcEventStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FunctionRpcServer).EventStream(&functionRpcEventStreamServer{ServerStream: stream})
}

// RegisterFunctionRpcServer registers srv with a gRPC server
func RegisterFunctionRpcServer(s grpc.ServiceRegistrar, srv FunctionRpcServer) {
	s.RegisterService(&FunctionRpc_ServiceDesc, srv)
}

// FunctionRpc_ServiceDesc describes the FunctionRpc service.
//
//nolint:revive // Mirrors the naming of generated gRPC descriptors
var FunctionRpc_ServiceDesc = grpc.ServiceDesc{
	ServiceName: FunctionRpcServiceName,
	HandlerType: (*FunctionRpcServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       functionRpcEventStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "funcworker/rpc/v1/function_rpc",
}
