package protocol

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName           = "distributed_match_engine.MatchEngineApi"
	MethodRegisterClient  = "/" + ServiceName + "/RegisterClient"
	MethodFindCloudlet    = "/" + ServiceName + "/FindCloudlet"
	MethodStreamEdgeEvent = "/" + ServiceName + "/StreamEdgeEvent"
)

// StreamEdgeEventDesc describes the bidirectional edge events stream.
var StreamEdgeEventDesc = grpc.StreamDesc{
	StreamName:    "StreamEdgeEvent",
	ServerStreams: true,
	ClientStreams: true,
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// MatchEngineApiClient is the client side of the DME API.
type MatchEngineApiClient struct {
	cc grpc.ClientConnInterface
}

func NewMatchEngineApiClient(cc grpc.ClientConnInterface) *MatchEngineApiClient {
	return &MatchEngineApiClient{cc: cc}
}

func (c *MatchEngineApiClient) RegisterClient(ctx context.Context, in *RegisterClientRequest, opts ...grpc.CallOption) (*RegisterClientReply, error) {
	out := new(RegisterClientReply)
	if err := c.cc.Invoke(ctx, MethodRegisterClient, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MatchEngineApiClient) FindCloudlet(ctx context.Context, in *FindCloudletRequest, opts ...grpc.CallOption) (*FindCloudletReply, error) {
	out := new(FindCloudletReply)
	if err := c.cc.Invoke(ctx, MethodFindCloudlet, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEdgeEvent opens the edge events stream. No deadline should be set on
// ctx beyond the lifetime of the stream itself.
func (c *MatchEngineApiClient) StreamEdgeEvent(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.cc.NewStream(ctx, &StreamEdgeEventDesc, MethodStreamEdgeEvent, callOptions(opts)...)
}

// EdgeEventServerStream is the server view of one edge events stream.
type EdgeEventServerStream interface {
	Send(*ServerEdgeEvent) error
	Recv() (*ClientEdgeEvent, error)
	Context() context.Context
}

// MatchEngineApiServer is implemented by DME servers and test fakes.
type MatchEngineApiServer interface {
	RegisterClient(context.Context, *RegisterClientRequest) (*RegisterClientReply, error)
	FindCloudlet(context.Context, *FindCloudletRequest) (*FindCloudletReply, error)
	StreamEdgeEvent(EdgeEventServerStream) error
}

func RegisterMatchEngineApiServer(s grpc.ServiceRegistrar, srv MatchEngineApiServer) {
	s.RegisterService(&matchEngineApiServiceDesc, srv)
}

type edgeEventServerStream struct {
	grpc.ServerStream
}

func (s *edgeEventServerStream) Send(ev *ServerEdgeEvent) error {
	return s.ServerStream.SendMsg(ev)
}

func (s *edgeEventServerStream) Recv() (*ClientEdgeEvent, error) {
	ev := new(ClientEdgeEvent)
	if err := s.ServerStream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func registerClientHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterClientRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatchEngineApiServer).RegisterClient(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRegisterClient}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MatchEngineApiServer).RegisterClient(ctx, req.(*RegisterClientRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func findCloudletHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FindCloudletRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatchEngineApiServer).FindCloudlet(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodFindCloudlet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MatchEngineApiServer).FindCloudlet(ctx, req.(*FindCloudletRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEdgeEventHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MatchEngineApiServer).StreamEdgeEvent(&edgeEventServerStream{ServerStream: stream})
}

var matchEngineApiServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchEngineApiServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterClient", Handler: registerClientHandler},
		{MethodName: "FindCloudlet", Handler: findCloudletHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamEdgeEventDesc.StreamName,
			Handler:       streamEdgeEventHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "app-client.proto",
}
