package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPCServer implements grpc.health.v1.Health backed by the same readiness
// probe as /readyz. The empty service name and serviceName are known.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	log       *zap.Logger
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, log *zap.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCServer{readiness: r, log: log}
}

// Register attaches the health service to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s)
}

// Check reports SERVING when the readiness probe passes.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.log.Warn("grpc readiness check failed", zap.Error(err))
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryLogging logs every unary call with its status code.
func UnaryLogging(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info("grpc_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}
