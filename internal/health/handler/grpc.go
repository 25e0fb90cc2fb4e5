package handler

import (
	"context"
	"log"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// RDPService is the service name reported for the remote desktop listener itself.
const RDPService = "rdp.RemoteDesktop"

// Pinger is used to check database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the policy engine can evaluate (e.g. OPA).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Listener reports whether the RDP listener is accepting connections.
type Listener interface {
	Running() bool
}

// Server implements grpc.health.v1.Health for readiness and liveness probes.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger   Pinger
	policy   PolicyChecker
	listener Listener
}

// NewServer returns a new Health gRPC server. Any dependency may be nil; nil dependencies are skipped.
func NewServer(pinger Pinger, policy PolicyChecker, listener Listener) *Server {
	return &Server{pinger: pinger, policy: policy, listener: listener}
}

// Check returns SERVING when every configured dependency is healthy. The empty service name
// covers the whole process; RDPService only reflects the listener.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "":
		return response(s.serving(ctx)), nil
	case RDPService:
		return response(s.listener == nil || s.listener.Running()), nil
	default:
		return nil, status.Error(codes.NotFound, "unknown service")
	}
}

func (s *Server) serving(ctx context.Context) bool {
	if s.listener != nil && !s.listener.Running() {
		return false
	}
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			return false
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			log.Printf("health: policy check failed: %v", err)
			return false
		}
	}
	return true
}

func response(ok bool) *healthpb.HealthCheckResponse {
	if ok {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
}
