package location

import (
	"context"

	"google.golang.org/grpc"
)

// LocationSample is one streamed position update.
type LocationSample struct {
	WorkerId  string  `json:"workerId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Category  string  `json:"category"`
	Available bool    `json:"available"`
	TsMillis  int64   `json:"tsMillis"`
}

// StreamAck summarises a closed stream.
type StreamAck struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

const streamLocationMethod = "/location.Location/StreamLocation"

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
	Metadata: "location.proto",
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*StreamAck) error
	Recv() (*LocationSample, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *StreamAck) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamServer) Recv() (*LocationSample, error) {
	msg := new(LocationSample)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Location_StreamLocationClient is the client side of the stream.
type Location_StreamLocationClient interface {
	grpc.ClientStream
	Send(*LocationSample) error
	CloseAndRecv() (*StreamAck, error)
}

// LocationClient is the client API for the location service.
type LocationClient struct {
	cc grpc.ClientConnInterface
}

// NewLocationClient wraps a connection.
func NewLocationClient(cc grpc.ClientConnInterface) *LocationClient {
	return &LocationClient{cc: cc}
}

// StreamLocation opens a client stream using the JSON codec.
func (c *LocationClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &locationServiceDesc.Streams[0], streamLocationMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (x *locationStreamClient) Send(m *LocationSample) error {
	return x.ClientStream.SendMsg(m)
}

func (x *locationStreamClient) CloseAndRecv() (*StreamAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(StreamAck)
	if err := x.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
