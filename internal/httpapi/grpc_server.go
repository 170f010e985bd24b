package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc/status"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"perimetra.io/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth exposes readiness over the standard gRPC health protocol for
// deployments whose load balancer probes gRPC instead of HTTP.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	probe readinessChecker
}

// NewGRPCHealth creates the health service wrapper.
func NewGRPCHealth(probe readinessChecker) *GRPCHealth {
	return &GRPCHealth{probe: probe}
}

// Check evaluates readiness once.
func (h *GRPCHealth) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := h.probe.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// Watch re-evaluates readiness on a coarse interval. The protocol allows a
// polling implementation; clients that need immediacy should call Check.
func (h *GRPCHealth) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	send := func() error {
		resp, err := h.Check(stream.Context(), req)
		if err != nil {
			return err
		}
		return stream.Send(resp)
	}
	if err := send(); err != nil {
		return err
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}
