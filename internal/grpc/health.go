package grpc

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service entry for the realtime API.
const ServiceName = "marketplace.chat.Realtime"

// HealthServer exposes the standard gRPC health protocol for orchestrators.
type HealthServer struct {
	addr   string
	server *grpclib.Server
	health *health.Server
	log    *zap.Logger
}

func NewHealthServer(addr string, log *zap.Logger, interceptors ...grpclib.UnaryServerInterceptor) *HealthServer {
	server := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.ChainUnaryInterceptor(interceptors...),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{addr: addr, server: server, health: hs, log: log.Named("grpc")}
}

func (s *HealthServer) Name() string { return "grpc-health" }

// SetServing flips both the overall and the named service status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Run serves until ctx is cancelled, then drains and stops.
func (s *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.addr, err)
	}
	return s.serve(ctx, lis)
}

func (s *HealthServer) serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(lis) }()
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
		s.SetServing(false)
		s.server.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	}
}
