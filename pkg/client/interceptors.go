package client

import (
	"context"

	"github.com/mikekulinski/dwarfkeeper/pkg/utils"
	"google.golang.org/grpc"
)

// clientIDUnaryInterceptor returns a gRPC unary interceptor that adds a client ID to outgoing calls.
func clientIDUnaryInterceptor(clientID string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(utils.SetClientIDHeader(ctx, clientID), method, req, reply, cc, opts...)
	}
}

// clientIDStreamInterceptor returns a gRPC stream interceptor that adds a client ID to outgoing streams.
func clientIDStreamInterceptor(clientID string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(utils.SetClientIDHeader(ctx, clientID), desc, cc, method, opts...)
	}
}
