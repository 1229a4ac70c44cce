package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Request any, Response any](method string, call func(AdminService, context.Context, *Request) (*Response, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		admin := server.(AdminService)
		if interceptor == nil {
			return call(admin, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, decoded any) (any, error) {
			return call(admin, ctx, decoded.(*Request))
		})
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenPeriod", Handler: unaryHandler("OpenPeriod", AdminService.OpenPeriod)},
		{MethodName: "ListPools", Handler: unaryHandler("ListPools", AdminService.ListPools)},
		{MethodName: "CloseOut", Handler: unaryHandler("CloseOut", AdminService.CloseOut)},
		{MethodName: "DeactivatePool", Handler: unaryHandler("DeactivatePool", AdminService.DeactivatePool)},
		{MethodName: "OverrideRegion", Handler: unaryHandler("OverrideRegion", AdminService.OverrideRegion)},
		{MethodName: "Reconcile", Handler: unaryHandler("Reconcile", AdminService.Reconcile)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rewardpool/admin/v1",
}
