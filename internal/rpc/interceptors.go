package rpc

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gometeo/weathergw/internal/metrics"
)

// APIKeyHeader is the metadata key every call must carry.
const APIKeyHeader = "x-api-key"

// AuthInterceptor rejects calls whose x-api-key does not match expected.
// An empty expected key rejects everything.
func AuthInterceptor(expected string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if expected == "" {
			return nil, status.Error(codes.Unavailable, "Missing GRPC_API_KEY")
		}

		var received string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(APIKeyHeader); len(values) > 0 {
				received = values[0]
			}
		}
		if received == "" {
			return nil, status.Error(codes.Unauthenticated, "Missing x-api-key")
		}
		if received != expected {
			return nil, status.Error(codes.PermissionDenied, "Invalid x-api-key")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs each call and counts it by method and status code.
func LoggingInterceptor(logger *zap.SugaredLogger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		method := path.Base(info.FullMethod)
		m.RPCRequests.WithLabelValues(method, code.String()).Inc()

		if err != nil {
			logger.Warnw("RPC failed",
				"method", method,
				"code", code.String(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", status.Convert(err).Message())
			return resp, err
		}
		logger.Infow("RPC served",
			"method", method,
			"duration_ms", time.Since(start).Milliseconds())
		return resp, nil
	}
}
