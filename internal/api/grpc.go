package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradeboard/internal/domain"
)

// ServiceName is the gRPC health service name reported alongside the
// server-wide ("") status.
const ServiceName = "tradeboard.Gateway"

// Health reports gateway health over the standard gRPC health protocol:
// SERVING while the push channel is connected (real or simulated),
// NOT_SERVING otherwise.
type Health struct {
	srv *health.Server
}

// NewHealth creates a Health reporter in the NOT_SERVING state.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register registers the health service on gs.
func (h *Health) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Update maps a push channel status to a serving status.
func (h *Health) Update(status domain.ConnectionStatus, _ bool) {
	if status == domain.StatusConnected {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown marks every service NOT_SERVING permanently.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

// Checker returns the underlying health server.
func (h *Health) Checker() healthpb.HealthServer {
	return h.srv
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}
