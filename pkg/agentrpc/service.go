package agentrpc

import (
	"context"

	"google.golang.org/grpc"
)

// agentServiceDesc is the hand-written service descriptor. Keeping it in
// sync with AgentServer is the price of skipping codegen.
var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateKernel", Handler: createKernelHandler},
		{MethodName: "DestroyKernel", Handler: destroyKernelHandler},
		{MethodName: "GetTelemetry", Handler: getTelemetryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backendai/agent/v1/agent.msgpack",
}

func createKernelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateKernelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).CreateKernel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCreateKernel}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).CreateKernel(ctx, req.(*CreateKernelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func destroyKernelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DestroyKernelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).DestroyKernel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDestroyKernel}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).DestroyKernel(ctx, req.(*DestroyKernelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getTelemetryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TelemetryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).GetTelemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetTelemetry}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).GetTelemetry(ctx, req.(*TelemetryRequest))
	}
	return interceptor(ctx, in, info, handler)
}
