package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"trialdiary.org/internal/obs"
)

const serviceName = "trialdiary-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service for load balancers and
// sidecar probes. Clinical operations stay on the HTTP surface; this server
// only answers "is the process and its database alive".
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	h := health.NewServer()
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	return &GRPCServer{
		server:    s,
		health:    h,
		readiness: r,
	}
}

// Serve runs the server on the listener until ctx is cancelled. Readiness is
// re-evaluated every five seconds and reflected in the health status.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.refresh(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
	return s.server.Serve(lis)
}

func (s *GRPCServer) refresh(ctx context.Context) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}
