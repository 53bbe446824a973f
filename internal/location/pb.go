package location

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the position stream.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// TaxiPosition is a single position report from a taxi.
type TaxiPosition struct {
	TaxiId string  `json:"taxi_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Ts     int64   `json:"ts"`
}

// Ack summarises a closed stream.
type Ack struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

const streamPositionsMethod = "/location.Location/StreamPositions"

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamPositions(Location_StreamPositionsServer) error
}

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamPositions",
		Handler:       _Location_StreamPositions_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamPositionsServer is the server side of the client stream.
type Location_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*TaxiPosition, error)
}

func _Location_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamPositions(&locationStreamPositionsServer{ServerStream: stream})
}

type locationStreamPositionsServer struct {
	grpc.ServerStream
}

func (s *locationStreamPositionsServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamPositionsServer) Recv() (*TaxiPosition, error) {
	msg := new(TaxiPosition)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient is the client API for the position stream.
type LocationClient interface {
	StreamPositions(ctx context.Context, opts ...grpc.CallOption) (Location_StreamPositionsClient, error)
}

type locationClient struct {
	cc grpc.ClientConnInterface
}

func NewLocationClient(cc grpc.ClientConnInterface) LocationClient {
	return &locationClient{cc: cc}
}

func (c *locationClient) StreamPositions(ctx context.Context, opts ...grpc.CallOption) (Location_StreamPositionsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &locationServiceDesc.Streams[0], streamPositionsMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamPositionsClient{ClientStream: stream}, nil
}

// Location_StreamPositionsClient is the client side of the stream.
type Location_StreamPositionsClient interface {
	Send(*TaxiPosition) error
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

type locationStreamPositionsClient struct {
	grpc.ClientStream
}

func (x *locationStreamPositionsClient) Send(m *TaxiPosition) error {
	return x.ClientStream.SendMsg(m)
}

func (x *locationStreamPositionsClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
