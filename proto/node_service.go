package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Hand-written service descriptor for the node-to-node transport.
// Handshake exchanges node identity; Exchange carries request and response frames
// for the lifetime of a connection.

const (
	Node_Handshake_FullMethodName = "/remoting.Node/Handshake"
	Node_Exchange_FullMethodName  = "/remoting.Node/Exchange"
)

// NodeClient is the client interface for the node service
type NodeClient interface {
	Handshake(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Exchange(ctx context.Context, opts ...grpc.CallOption) (Node_ExchangeClient, error)
}

// Node_ExchangeClient is the client side of the Exchange stream
type Node_ExchangeClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type nodeClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeClient creates a new NodeClient
func NewNodeClient(cc grpc.ClientConnInterface) NodeClient {
	return &nodeClient{cc}
}

func (c *nodeClient) Handshake(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, Node_Handshake_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) Exchange(ctx context.Context, opts ...grpc.CallOption) (Node_ExchangeClient, error) {
	stream, err := c.cc.NewStream(ctx, &Node_ServiceDesc.Streams[0], Node_Exchange_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &nodeExchangeClient{stream}, nil
}

type nodeExchangeClient struct {
	grpc.ClientStream
}

func (x *nodeExchangeClient) Send(m *Frame) error {
	return x.SendMsg(m)
}

func (x *nodeExchangeClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeServer is the server interface for the node service
type NodeServer interface {
	Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Exchange(Node_ExchangeServer) error
}

// Node_ExchangeServer is the server side of the Exchange stream
type Node_ExchangeServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

// UnimplementedNodeServer provides default implementations
type UnimplementedNodeServer struct{}

func (UnimplementedNodeServer) Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Handshake not implemented")
}

func (UnimplementedNodeServer) Exchange(Node_ExchangeServer) error {
	return status.Error(codes.Unimplemented, "method Exchange not implemented")
}

func _Node_Handshake_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Handshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Node_Handshake_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServer).Handshake(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_Exchange_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeServer).Exchange(&nodeExchangeServer{stream})
}

type nodeExchangeServer struct {
	grpc.ServerStream
}

func (x *nodeExchangeServer) Send(m *Frame) error {
	return x.SendMsg(m)
}

func (x *nodeExchangeServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Node_ServiceDesc is the grpc.ServiceDesc for the node service
var Node_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "remoting.Node",
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Handshake",
			Handler:    _Node_Handshake_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       _Node_Exchange_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "remoting/node.proto",
}

// RegisterNodeServer registers the node service with gRPC
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&Node_ServiceDesc, srv)
}
