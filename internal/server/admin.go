package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ============================================================================
// chainfusion.scheduler.v1.SchedulerAdmin
//
// 管理介面只使用 protobuf well-known types，服務描述手寫，不需要 protoc。
// 回應一律是 google.protobuf.Struct；uint64 與 uint256 以十進位字串表示。
// ============================================================================

const serviceName = "chainfusion.scheduler.v1.SchedulerAdmin"

const (
	methodGetStatus  = "/" + serviceName + "/GetStatus"
	methodNextDueJob = "/" + serviceName + "/NextDueJob"
	methodListJobs   = "/" + serviceName + "/ListJobs"
	methodCancelJob  = "/" + serviceName + "/CancelJob"
)

// SchedulerAdminServer 管理介面的伺服端
type SchedulerAdminServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	NextDueJob(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CancelJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// SchedulerAdminServiceDesc 供 grpc.Server.RegisterService 使用
var SchedulerAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SchedulerAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    unaryHandler(methodGetStatus, SchedulerAdminServer.GetStatus),
		},
		{
			MethodName: "NextDueJob",
			Handler:    unaryHandler(methodNextDueJob, SchedulerAdminServer.NextDueJob),
		},
		{
			MethodName: "ListJobs",
			Handler:    unaryHandler(methodListJobs, SchedulerAdminServer.ListJobs),
		},
		{
			MethodName: "CancelJob",
			Handler:    unaryHandler(methodCancelJob, SchedulerAdminServer.CancelJob),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chainfusion/scheduler/v1/admin.proto",
}

// RegisterSchedulerAdminServer 註冊管理介面
func RegisterSchedulerAdminServer(s grpc.ServiceRegistrar, srv SchedulerAdminServer) {
	s.RegisterService(&SchedulerAdminServiceDesc, srv)
}

// unaryHandler 與 protoc-gen-go-grpc 產生的 handler 相同的流程
func unaryHandler[Req any](fullMethod string, call func(SchedulerAdminServer, context.Context, *Req) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulerAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SchedulerAdminServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
