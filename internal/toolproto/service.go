package toolproto

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "anumate.toolproto.v1.ToolProtocol"

// ToolProtocolServer is implemented by anything that can service the
// bidi-streaming InvokeTool RPC (our demo server in cmd/toolrund, or the
// real external agent runtime this package is a client for).
type ToolProtocolServer interface {
	InvokeTool(ToolProtocol_InvokeToolServer) error
}

// ToolProtocol_InvokeToolServer is the server-side view of the InvokeTool
// stream.
type ToolProtocol_InvokeToolServer interface {
	Send(*ToolStreamChunk) error
	Recv() (*ToolStreamChunk, error)
	grpc.ServerStream
}

type toolProtocolInvokeToolServer struct {
	grpc.ServerStream
}

func (x *toolProtocolInvokeToolServer) Send(m *ToolStreamChunk) error {
	return x.ServerStream.SendMsg(m)
}

func (x *toolProtocolInvokeToolServer) Recv() (*ToolStreamChunk, error) {
	m := new(ToolStreamChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func invokeToolHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ToolProtocolServer).InvokeTool(&toolProtocolInvokeToolServer{ServerStream: stream})
}

// serviceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit from a toolproto.proto declaring one bidi-streaming rpc
// InvokeTool.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolProtocolServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InvokeTool",
			Handler:       invokeToolHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "anumate/toolproto/v1/toolproto.proto",
}

// RegisterToolProtocolServer registers srv on s.
func RegisterToolProtocolServer(s grpc.ServiceRegistrar, srv ToolProtocolServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ToolProtocolClient is the client-side stub for the Tool Protocol service.
type ToolProtocolClient interface {
	InvokeTool(ctx context.Context, opts ...grpc.CallOption) (ToolProtocol_InvokeToolClient, error)
}

// ToolProtocol_InvokeToolClient is the client-side view of the InvokeTool
// stream.
type ToolProtocol_InvokeToolClient interface {
	Send(*ToolStreamChunk) error
	Recv() (*ToolStreamChunk, error)
	grpc.ClientStream
}

type toolProtocolClient struct {
	cc grpc.ClientConnInterface
}

// NewToolProtocolClient wraps cc as a ToolProtocolClient.
func NewToolProtocolClient(cc grpc.ClientConnInterface) ToolProtocolClient {
	return &toolProtocolClient{cc: cc}
}

func (c *toolProtocolClient) InvokeTool(ctx context.Context, opts ...grpc.CallOption) (ToolProtocol_InvokeToolClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/InvokeTool", opts...)
	if err != nil {
		return nil, err
	}
	return &toolProtocolInvokeToolClient{ClientStream: stream}, nil
}

type toolProtocolInvokeToolClient struct {
	grpc.ClientStream
}

func (x *toolProtocolInvokeToolClient) Send(m *ToolStreamChunk) error {
	return x.ClientStream.SendMsg(m)
}

func (x *toolProtocolInvokeToolClient) Recv() (*ToolStreamChunk, error) {
	m := new(ToolStreamChunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
