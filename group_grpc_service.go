package hastate

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// groupServiceDesc describes the hastate.Group service.
// Payloads are protobuf well known types so no generated code is needed
var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: groupServiceName,
	HandlerType: (*groupServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    groupDeliverHandler,
		},
		{
			MethodName: "Hello",
			Handler:    groupHelloHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hastate.proto",
}

func groupDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(groupServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(groupServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func groupHelloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(groupServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: helloMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(groupServer).Hello(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// invokeDeliver sends an encoded state message to conn
func invokeDeliver(ctx context.Context, conn grpc.ClientConnInterface, data []byte) error {
	return conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
}

// invokeHello sends the local id to conn and returns the remote id
func invokeHello(ctx context.Context, conn grpc.ClientConnInterface, id NodeID) (NodeID, error) {
	out := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, helloMethod, wrapperspb.String(string(id)), out); err != nil {
		return NullNodeID, err
	}
	return NodeID(out.GetValue()), nil
}
