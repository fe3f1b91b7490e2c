package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully-qualified gRPC names of the backtest service.
const (
	ServiceName = "quantlab.Backtest"
	RunMethod   = "/quantlab.Backtest/Run"
	ListMethod  = "/quantlab.Backtest/ListStrategies"
)

// BacktestServer is the server API of the quantlab.Backtest service. Messages
// are well-known protobuf Structs so clients need no generated code.
type BacktestServer interface {
	// Run backtests one symbol. See Service.Run for the message fields.
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// ListStrategies returns {"strategies": [names...]}.
	ListStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterBacktestServer registers srv on gs.
func RegisterBacktestServer(gs grpc.ServiceRegistrar, srv BacktestServer) {
	gs.RegisterService(&backtestServiceDesc, srv)
}

var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(RunMethod, BacktestServer.Run)},
		{MethodName: "ListStrategies", Handler: unaryHandler(ListMethod, BacktestServer.ListStrategies)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quantlab/backtest.proto",
}

type structMethod func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
