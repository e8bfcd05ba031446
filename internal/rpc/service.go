package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype under which Codec is registered.
// Passing grpc.CallContentSubtype(codecName) on outgoing calls and
// registering the codec selects this encoding instead of protobuf.
const codecName = "aperture-binary"

// wireMessage is satisfied by every request/response type in
// messages.go; Codec dispatches to it instead of protobuf reflection.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec implements encoding.Codec (formerly grpc.Codec) against
// Aperture's own Marshal/Unmarshal methods, avoiding the
// protoreflect-backed machinery real protobuf code generation would
// require (see DESIGN.md). It still rides grpc's framing, compression,
// and stream multiplexing unchanged.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, errUnsupportedMessage(v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return errUnsupportedMessage(v)
	}
	return m.Unmarshal(data)
}

func (Codec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// ServiceName is the gRPC service path segment used by clients and servers.
const ServiceName = "aperture.Aggregator"

// AggregatorServer is the server-side contract for the ingest/query RPCs.
type AggregatorServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	QueryStorage(context.Context, *QueryStorageRequest) (*QueryResponse, error)
	Aggregate(context.Context, *AggregateRequest) (*AggregateResponse, error)
	Diff(context.Context, *DiffRequest) (*DiffResponse, error)
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregatorServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Push"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AggregatorServer).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregatorServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AggregatorServer).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryStorageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryStorageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregatorServer).QueryStorage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/QueryStorage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AggregatorServer).QueryStorage(ctx, req.(*QueryStorageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func aggregateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AggregateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregatorServer).Aggregate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Aggregate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AggregatorServer).Aggregate(ctx, req.(*AggregateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func diffHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DiffRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregatorServer).Diff(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Diff"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AggregatorServer).Diff(ctx, req.(*DiffRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-built equivalent of what protoc-gen-go-grpc
// would otherwise generate from a .proto file.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AggregatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "QueryStorage", Handler: queryStorageHandler},
		{MethodName: "Aggregate", Handler: aggregateHandler},
		{MethodName: "Diff", Handler: diffHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aperture.proto",
}

// RegisterAggregatorServer registers srv on s under ServiceName.
func RegisterAggregatorServer(s grpc.ServiceRegistrar, srv AggregatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

// AggregatorClient is the client-side contract matching AggregatorServer.
type AggregatorClient interface {
	Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error)
	Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error)
	QueryStorage(ctx context.Context, in *QueryStorageRequest, opts ...grpc.CallOption) (*QueryResponse, error)
	Aggregate(ctx context.Context, in *AggregateRequest, opts ...grpc.CallOption) (*AggregateResponse, error)
	Diff(ctx context.Context, in *DiffRequest, opts ...grpc.CallOption) (*DiffResponse, error)
}

type aggregatorClient struct {
	cc grpc.ClientConnInterface
}

// NewAggregatorClient wraps cc; callers should dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName()))
// so every call on this client picks up the aperture binary codec.
func NewAggregatorClient(cc grpc.ClientConnInterface) AggregatorClient {
	return &aggregatorClient{cc: cc}
}

// CodecName returns the content-subtype to pass to
// grpc.CallContentSubtype when dialing.
func CodecName() string { return codecName }

func (c *aggregatorClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	out := new(PushResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Push", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *aggregatorClient) Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Query", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *aggregatorClient) QueryStorage(ctx context.Context, in *QueryStorageRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/QueryStorage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *aggregatorClient) Aggregate(ctx context.Context, in *AggregateRequest, opts ...grpc.CallOption) (*AggregateResponse, error) {
	out := new(AggregateResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Aggregate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *aggregatorClient) Diff(ctx context.Context, in *DiffRequest, opts ...grpc.CallOption) (*DiffResponse, error) {
	out := new(DiffResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Diff", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type unsupportedMessageError struct{ v interface{} }

func (e unsupportedMessageError) Error() string {
	return "rpc: message does not implement wireMessage"
}

func errUnsupportedMessage(v interface{}) error { return unsupportedMessageError{v: v} }
