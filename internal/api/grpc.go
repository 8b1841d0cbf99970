package api

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the relay.
const ServiceName = "signalrelay.Relay"

// HealthServer serves the standard gRPC health protocol so orchestrators
// can probe the relay without speaking HTTP.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealthServer creates a HealthServer reporting SERVING for both the
// overall server and ServiceName.
func NewHealthServer(log *slog.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &HealthServer{grpc: gs, health: hs, log: log}
}

// Serve accepts connections on lis until Shutdown.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

// SetServing flips the reported status of ServiceName.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
}

// Shutdown reports NOT_SERVING to watchers and stops the server after
// in-flight RPCs finish.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
