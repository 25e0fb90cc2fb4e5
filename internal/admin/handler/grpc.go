package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	auditdomain "remote-desktop-server/internal/audit/domain"
	"remote-desktop-server/internal/blocklist"
	"remote-desktop-server/internal/platform/rbac"
	"remote-desktop-server/internal/platform/rpc"
	"remote-desktop-server/internal/rdp"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "rdp.admin.v1.AdminService"

// AdminService is the server API for server status, live connections and the address blocklist.
type AdminService interface {
	GetServerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConnections(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	BlockIP(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UnblockIP(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	ListBlockedIPs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes AdminService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetServerStatus", rpc.NewEmpty, AdminService.GetServerStatus),
		rpc.Unary(ServiceName, "ListConnections", rpc.NewEmpty, AdminService.ListConnections),
		rpc.Unary(ServiceName, "BlockIP", rpc.NewStruct, AdminService.BlockIP),
		rpc.Unary(ServiceName, "UnblockIP", rpc.NewString, AdminService.UnblockIP),
		rpc.Unary(ServiceName, "ListBlockedIPs", rpc.NewEmpty, AdminService.ListBlockedIPs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rdp/admin/v1/admin.proto",
}

// ServerControl is the part of the RDP server the admin API reads.
type ServerControl interface {
	Status(ctx context.Context) rdp.Status
	Connections() []rdp.ConnectionInfo
}

// EventLogger records security events.
type EventLogger interface {
	LogEvent(ctx context.Context, event auditdomain.SecurityEvent)
}

// Server implements AdminService.
type Server struct {
	server     ServerControl
	blocks     blocklist.Store
	events     EventLogger
	serverName string
}

// NewServer returns a new Admin gRPC server. If server is nil status RPCs return Unimplemented;
// if blocks is nil blocklist RPCs do. events may be nil.
func NewServer(server ServerControl, blocks blocklist.Store, events EventLogger, serverName string) *Server {
	return &Server{server: server, blocks: blocks, events: events, serverName: serverName}
}

// GetServerStatus returns the running state, counts and the last host sample.
func (s *Server) GetServerStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.server == nil {
		return nil, status.Error(codes.Unimplemented, "method GetServerStatus not implemented")
	}
	st := s.server.Status(ctx)
	return rpc.Struct(map[string]interface{}{
		"server_name":        s.serverName,
		"is_running":         st.IsRunning,
		"port":               st.Port,
		"active_connections": st.ActiveConnections,
		"active_sessions":    st.ActiveSessions,
		"max_sessions":       st.MaxSessions,
		"cpu_usage":          st.CPUUsage,
		"memory_usage":       st.MemoryUsage,
		"start_time":         rpc.Timestamp(st.StartTime),
		"version":            st.Version,
	})
}

// ListConnections returns every live connection, authenticated or not.
func (s *Server) ListConnections(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.server == nil {
		return nil, status.Error(codes.Unimplemented, "method ListConnections not implemented")
	}
	return rpc.List("connections", s.server.Connections(), connectionToMap)
}

// BlockIP adds an address to the blocklist. Fields: ip (required), reason, ttl_seconds (0 = permanent).
func (s *Server) BlockIP(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if s.blocks == nil {
		return nil, status.Error(codes.Unimplemented, "method BlockIP not implemented")
	}
	actor, _, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	ip := rpc.String(req, "ip")
	if ip == "" {
		return nil, status.Error(codes.InvalidArgument, "ip required")
	}
	ttlSeconds := rpc.Int(req, "ttl_seconds", 0)
	if ttlSeconds < 0 {
		return nil, status.Error(codes.InvalidArgument, "ttl_seconds must not be negative")
	}
	reason := rpc.String(req, "reason")
	if err := s.blocks.Block(ctx, ip, reason, time.Duration(ttlSeconds)*time.Second); err != nil {
		if errors.Is(err, blocklist.ErrInvalidAddress) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, "failed to block address")
	}
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventIPBlocked,
		Severity: auditdomain.SeverityWarning,
		Details:  fmt.Sprintf("%s blocked by %s: %s", ip, actor, reason),
		Username: actor,
		Success:  true,
	})
	return &emptypb.Empty{}, nil
}

// UnblockIP removes an address and reports whether it was blocked.
func (s *Server) UnblockIP(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s.blocks == nil {
		return nil, status.Error(codes.Unimplemented, "method UnblockIP not implemented")
	}
	actor, _, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	ip := req.GetValue()
	if ip == "" {
		return nil, status.Error(codes.InvalidArgument, "ip required")
	}
	removed, err := s.blocks.Unblock(ctx, ip)
	if err != nil {
		if errors.Is(err, blocklist.ErrInvalidAddress) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, "failed to unblock address")
	}
	if removed {
		s.logEvent(ctx, auditdomain.SecurityEvent{
			Type:     auditdomain.EventIPUnblocked,
			Details:  fmt.Sprintf("%s unblocked by %s", ip, actor),
			Username: actor,
			Success:  true,
		})
	}
	return wrapperspb.Bool(removed), nil
}

// ListBlockedIPs returns the active blocklist entries.
func (s *Server) ListBlockedIPs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.blocks == nil {
		return nil, status.Error(codes.Unimplemented, "method ListBlockedIPs not implemented")
	}
	entries, err := s.blocks.List(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list blocked addresses")
	}
	return rpc.List("entries", entries, entryToMap)
}

func (s *Server) logEvent(ctx context.Context, event auditdomain.SecurityEvent) {
	if s.events != nil {
		s.events.LogEvent(ctx, event)
	}
}

func connectionToMap(c rdp.ConnectionInfo) map[string]interface{} {
	return map[string]interface{}{
		"id":             c.ID,
		"client_ip":      c.ClientIP,
		"state":          c.State.String(),
		"authenticated":  c.Authenticated,
		"session_token":  c.SessionToken,
		"username":       c.Username,
		"connected_at":   rpc.Timestamp(c.ConnectedAt),
		"last_activity":  rpc.Timestamp(c.LastActivity),
		"unknown_frames": c.UnknownFrames,
	}
}

func entryToMap(e blocklist.Entry) map[string]interface{} {
	return map[string]interface{}{
		"ip":         e.IP,
		"reason":     e.Reason,
		"blocked_at": rpc.Timestamp(e.BlockedAt),
		"expires_at": rpc.OptionalTimestamp(e.ExpiresAt),
	}
}
