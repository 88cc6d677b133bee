// Package grpc exposes the Lens command surface as the gRPC service
// lens.v1.Lens. Requests and responses are google.protobuf.Struct messages,
// so the service needs no generated code.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lens.v1.Lens"

// LensServer is the server API for the lens.v1.Lens service.
type LensServer interface {
	CreateSink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSinks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LogEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DefineIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DefineGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reindex(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(LensServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LensServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LensServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes lens.v1.Lens for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LensServer)(nil),
	Methods: []grpc.MethodDesc{
		method("CreateSink", LensServer.CreateSink),
		method("ListSinks", LensServer.ListSinks),
		method("LogEvent", LensServer.LogEvent),
		method("DefineIndex", LensServer.DefineIndex),
		method("DefineGroup", LensServer.DefineGroup),
		method("Reindex", LensServer.Reindex),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lens/v1/lens.proto",
}

// RegisterLensServer registers srv on s.
func RegisterLensServer(s grpc.ServiceRegistrar, srv LensServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin client for lens.v1.Lens.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
