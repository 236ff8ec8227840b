package server

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// inspectionServer is the handler type of the gRPC service.
type inspectionServer interface {
	handler() *InspectService
}

func (s *InspectService) handler() *InspectService { return s }

var inspectionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*inspectionServer)(nil),
	Methods: []grpc.MethodDesc{
		method("ListPrograms", (*InspectService).ListPrograms),
		method("GetProgram", (*InspectService).GetProgram),
		method("CollectGarbage", (*InspectService).CollectGarbage),
		method("KillProgram", (*InspectService).KillProgram),
		method("SchedulerStats", (*InspectService).SchedulerStats),
		method("GCEvents", (*InspectService).GCEvents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procvm/v1/inspection.proto",
}

// method builds the gRPC descriptor of one unary method of InspectService.
func method[Req any, PReq interface {
	*Req
	proto.Message
}, Res any](name string, fn func(*InspectService, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(inspectionServer).handler()
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				res, err := fn(svc, ctx, (*Req)(req.(PReq)))
				if err != nil {
					return nil, grpcError(err)
				}
				return res, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, call)
		},
	}
}

// grpcError converts a connect error to a gRPC status. Connect codes are
// numerically the gRPC codes.
func grpcError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return status.Error(codes.Code(ce.Code()), ce.Message())
	}
	return status.Error(codes.Internal, err.Error())
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	res, err := handler(ctx, req)
	if err != nil {
		logger.Debugf("grpc %s failed after %s: %s", info.FullMethod, time.Since(start), err)
	} else {
		logger.Debugf("grpc %s in %s", info.FullMethod, time.Since(start))
	}
	return res, err
}
