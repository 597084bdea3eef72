package server

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name orderd reports under in the gRPC health service.
const ServiceName = "orderdesk.orders"

// NewGRPCServer builds the ops gRPC server: standard health checking plus
// reflection. Both the overall and the ServiceName status start NOT_SERVING.
func NewGRPCServer(logger *zap.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}

// SetServing flips both health entries at once.
func SetServing(hs *health.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(ServiceName, status)
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("gRPC method failed", zap.String("method", info.FullMethod), zap.Error(err))
		} else {
			logger.Debug("gRPC method completed", zap.String("method", info.FullMethod))
		}
		return resp, err
	}
}
