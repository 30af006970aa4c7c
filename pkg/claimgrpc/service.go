// Package claimgrpc exposes claim submission over gRPC.
//
// The service uses protobuf well-known wrapper types so no protoc toolchain
// is needed. Transactions travel as their wire encoding in a BytesValue.
//
// Proto definition (for reference):
//
//	service Claim {
//	  rpc Submit(google.protobuf.BytesValue) returns (google.protobuf.StringValue);
//	  rpc Simulate(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	  rpc Authority(google.protobuf.Empty) returns (google.protobuf.StringValue);
//	}
package claimgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "x1.custody.v1.Claim"

// ClaimServer is the server API for the Claim service.
type ClaimServer interface {
	// Submit executes a signed claim transaction and returns its signature.
	Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	// Simulate runs a transaction without committing and returns the JSON
	// encoded SimulateResponse.
	Simulate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	// Authority returns the deployment's treasury authority address.
	Authority(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// UnimplementedClaimServer can be embedded to have forward compatible implementations.
type UnimplementedClaimServer struct{}

func (UnimplementedClaimServer) Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedClaimServer) Simulate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Simulate not implemented")
}
func (UnimplementedClaimServer) Authority(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Authority not implemented")
}

// RegisterClaimServer registers the Claim service on a gRPC server.
func RegisterClaimServer(s grpc.ServiceRegistrar, srv ClaimServer) {
	s.RegisterService(&Claim_ServiceDesc, srv)
}

// ClaimClient is the client API for the Claim service.
type ClaimClient interface {
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Simulate(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Authority(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type claimClient struct{ cc grpc.ClientConnInterface }

func NewClaimClient(cc grpc.ClientConnInterface) ClaimClient { return &claimClient{cc: cc} }

func (c *claimClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *claimClient) Simulate(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Simulate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *claimClient) Authority(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Authority", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Claim_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClaimServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClaimServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Claim_Simulate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClaimServer).Simulate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Simulate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClaimServer).Simulate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Claim_Authority_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClaimServer).Authority(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Authority"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClaimServer).Authority(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Claim_ServiceDesc is the grpc.ServiceDesc for the Claim service.
var Claim_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClaimServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: _Claim_Submit_Handler},
		{MethodName: "Simulate", Handler: _Claim_Simulate_Handler},
		{MethodName: "Authority", Handler: _Claim_Authority_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "claim.proto",
}
