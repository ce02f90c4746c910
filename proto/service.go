package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const NetworkController_Stream_FullMethodName = "/dsmutex.NetworkController/Stream"

type NetworkController_StreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	CloseSend() error
	Context() context.Context
}

type NetworkController_StreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

type NetworkControllerClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error)
}

type NetworkControllerServer interface {
	Stream(NetworkController_StreamServer) error
}

// UnimplementedNetworkControllerServer can be embedded to satisfy
// NetworkControllerServer.
type UnimplementedNetworkControllerServer struct{}

func (UnimplementedNetworkControllerServer) Stream(NetworkController_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

type networkControllerClient struct {
	cc grpc.ClientConnInterface
}

func NewNetworkControllerClient(cc grpc.ClientConnInterface) NetworkControllerClient {
	return &networkControllerClient{cc: cc}
}

func (c *networkControllerClient) Stream(ctx context.Context, opts ...grpc.CallOption) (NetworkController_StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	s, err := c.cc.NewStream(ctx, &NetworkController_ServiceDesc.Streams[0], NetworkController_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &clientStream{raw: &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: s}}, nil
}

type clientStream struct {
	raw grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]
}

func (s *clientStream) Send(e *Envelope) error {
	m, err := e.ToStruct()
	if err != nil {
		return err
	}
	return s.raw.Send(m)
}

func (s *clientStream) Recv() (*Envelope, error) {
	m, err := s.raw.Recv()
	if err != nil {
		return nil, err
	}
	return EnvelopeFromStruct(m)
}

func (s *clientStream) CloseSend() error         { return s.raw.CloseSend() }
func (s *clientStream) Context() context.Context { return s.raw.Context() }

type serverStream struct {
	raw grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
}

func (s *serverStream) Send(e *Envelope) error {
	m, err := e.ToStruct()
	if err != nil {
		return err
	}
	return s.raw.Send(m)
}

func (s *serverStream) Recv() (*Envelope, error) {
	m, err := s.raw.Recv()
	if err != nil {
		return nil, err
	}
	return EnvelopeFromStruct(m)
}

func (s *serverStream) Context() context.Context { return s.raw.Context() }

func streamHandler(srv any, stream grpc.ServerStream) error {
	raw := &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream}
	return srv.(NetworkControllerServer).Stream(&serverStream{raw: raw})
}

var NetworkController_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "dsmutex.NetworkController",
	HandlerType: (*NetworkControllerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "dsmutex/network.proto",
}

func RegisterNetworkControllerServer(s grpc.ServiceRegistrar, srv NetworkControllerServer) {
	s.RegisterService(&NetworkController_ServiceDesc, srv)
}
