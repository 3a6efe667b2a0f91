package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names of forgedispatch.v1.Dispatcher.
const (
	MethodProcessRequest = "ProcessRequest"
	MethodGetJobStatus   = "GetJobStatus"
	MethodCancelJob      = "CancelJob"
	MethodGetQueueStats  = "GetQueueStats"
	MethodEnqueueJob     = "EnqueueJob"
	MethodCleanQueue     = "CleanQueue"
	MethodGetFailedJobs  = "GetFailedJobs"
)

// FullMethod returns "/forgedispatch.v1.Dispatcher/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryCall func(srv DispatcherServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DispatcherServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispatcherServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// DispatcherServiceDesc describes forgedispatch.v1.Dispatcher.
var DispatcherServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodProcessRequest, DispatcherServer.ProcessRequest),
		unary(MethodGetJobStatus, DispatcherServer.GetJobStatus),
		unary(MethodCancelJob, DispatcherServer.CancelJob),
		unary(MethodGetQueueStats, DispatcherServer.GetQueueStats),
		unary(MethodEnqueueJob, DispatcherServer.EnqueueJob),
		unary(MethodCleanQueue, DispatcherServer.CleanQueue),
		unary(MethodGetFailedJobs, DispatcherServer.GetFailedJobs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forgedispatch/v1/dispatcher.proto",
}

// RegisterDispatcherServer registers srv on s.
func RegisterDispatcherServer(s grpc.ServiceRegistrar, srv DispatcherServer) {
	s.RegisterService(&DispatcherServiceDesc, srv)
}
