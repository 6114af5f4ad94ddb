package api

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chorelink/internal/engine"
)

// HealthService is the service name the trader reports health under. The
// empty service name reports the same status.
const HealthService = "chorelink.Trader"

// HealthServer publishes the engine state over the standard gRPC health
// protocol: SERVING only while live with the kill switch off.
type HealthServer struct {
	srv *health.Server
	log *slog.Logger
}

// NewHealthServer creates a HealthServer that reports NOT_SERVING until the
// first Update.
func NewHealthServer(log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{srv: health.NewServer(), log: log.With("component", "health")}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// RegisterGRPC registers the health service on the given gRPC server.
func (h *HealthServer) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Update applies an engine state. It matches engine.Subscribe's callback.
func (h *HealthServer) Update(st engine.State) {
	status := ServingStatus(st)
	h.log.Info("health changed", "status", status.String(), "phase", st.Phase.String(), "killed", st.Killed)
	h.set(status)
}

// Shutdown reports NOT_SERVING permanently.
func (h *HealthServer) Shutdown() { h.srv.Shutdown() }

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(HealthService, status)
}

// ServingStatus maps an engine state to a health status.
func ServingStatus(st engine.State) healthpb.HealthCheckResponse_ServingStatus {
	if st.Phase == engine.PhaseLive && !st.Killed {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
