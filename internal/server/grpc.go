package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	adminhandler "remote-desktop-server/internal/admin/handler"
	"remote-desktop-server/internal/audit"
	audithandler "remote-desktop-server/internal/audit/handler"
	auditrepo "remote-desktop-server/internal/audit/repository"
	"remote-desktop-server/internal/blocklist"
	healthhandler "remote-desktop-server/internal/health/handler"
	identityhandler "remote-desktop-server/internal/identity/handler"
	"remote-desktop-server/internal/security"
	"remote-desktop-server/internal/server/interceptors"
	sessionhandler "remote-desktop-server/internal/session/handler"
	sessionrepo "remote-desktop-server/internal/session/repository"
	userhandler "remote-desktop-server/internal/user/handler"
)

// HealthCheckMethod is the full method name of the standard gRPC health check.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// Deps holds optional service dependencies for gRPC handlers. Nil dependencies make the
// RPCs that need them return Unimplemented.
type Deps struct {
	// Auth verifies administrator credentials for Login.
	Auth identityhandler.Authenticator
	// Tokens signs administrator access tokens for Login.
	Tokens identityhandler.TokenIssuer
	// RDP is the remote desktop listener for status, connection listing and the health check.
	RDP RDPServer
	// Blocks is the address blocklist managed by AdminService.
	Blocks blocklist.Store
	// Events records administrative security events (IP blocks).
	Events audit.EventLogger
	// ServerName is the server name reported in events.
	ServerName string
	// Sessions is the live session table.
	Sessions sessionhandler.LiveSessions
	// SessionRepo serves session history and activities.
	SessionRepo sessionrepo.Repository
	// Users and Locker serve UserService.
	Users  userhandler.UserLookup
	Locker userhandler.AccountLocker
	// DefaultDomain is applied to user lookups without a domain.
	DefaultDomain string
	// AuditRepo serves AuditService.
	AuditRepo auditrepo.Repository
	// HealthPinger is used by the health check for readiness (e.g. *sql.DB).
	HealthPinger healthhandler.Pinger
	// HealthPolicyChecker is used by the health check for readiness (e.g. OPA evaluator).
	HealthPolicyChecker healthhandler.PolicyChecker
}

// RDPServer is the part of rdp.Server the admin API uses.
type RDPServer interface {
	adminhandler.ServerControl
	sessionhandler.Terminator
	healthhandler.Listener
}

// RegisterServices registers all admin gRPC services with the given server.
//
// Service → handler mapping:
//   - AuthService    → internal/identity/handler
//   - AdminService   → internal/admin/handler
//   - SessionService → internal/session/handler
//   - UserService    → internal/user/handler
//   - AuditService   → internal/audit/handler
//   - Health         → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	var (
		control    adminhandler.ServerControl
		terminator sessionhandler.Terminator
		listener   healthhandler.Listener
	)
	if deps.RDP != nil {
		control, terminator, listener = deps.RDP, deps.RDP, deps.RDP
	}
	s.RegisterService(&identityhandler.ServiceDesc, identityhandler.NewAuthServer(deps.Auth, deps.Tokens))
	s.RegisterService(&adminhandler.ServiceDesc, adminhandler.NewServer(control, deps.Blocks, deps.Events, deps.ServerName))
	s.RegisterService(&sessionhandler.ServiceDesc, sessionhandler.NewServer(deps.Sessions, terminator, deps.SessionRepo))
	s.RegisterService(&userhandler.ServiceDesc, userhandler.NewServer(deps.Users, deps.Locker, deps.DefaultDomain))
	s.RegisterService(&audithandler.ServiceDesc, audithandler.NewServer(deps.AuditRepo))
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.HealthPinger, deps.HealthPolicyChecker, listener))
}

// PublicMethods returns the methods callable without a bearer token.
func PublicMethods() map[string]bool {
	return map[string]bool{
		HealthCheckMethod:           true,
		identityhandler.LoginMethod: true,
	}
}

// Security configures authentication and auditing of admin RPCs.
type Security struct {
	Tokens           *security.TokenProvider
	AccountValidator interceptors.AccountValidator
	// Events receives one security event per authenticated RPC; nil disables RPC auditing.
	Events audit.EventLogger
}

// NewGRPCServer returns a grpc.Server instrumented with OpenTelemetry that requires an
// administrator bearer token on every non-public method and audits authenticated calls.
func NewGRPCServer(sec Security, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(sec.Tokens, PublicMethods(), sec.AccountValidator),
			interceptors.AuditUnary(sec.Events, map[string]bool{HealthCheckMethod: true}),
		),
	}, opts...)
	return grpc.NewServer(opts...)
}
