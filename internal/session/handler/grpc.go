package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"remote-desktop-server/internal/platform/rbac"
	"remote-desktop-server/internal/platform/rpc"
	"remote-desktop-server/internal/session"
	"remote-desktop-server/internal/session/domain"
	sessionrepo "remote-desktop-server/internal/session/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ServiceName is the fully qualified session service name.
const ServiceName = "rdp.session.v1.SessionService"

// SessionService is the server API for live sessions and their history.
type SessionService interface {
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	TerminateSession(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	CleanupExpiredSessions(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
	ListSessionHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListActivities(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes SessionService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionService)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListSessions", rpc.NewStruct, SessionService.ListSessions),
		rpc.Unary(ServiceName, "GetSession", rpc.NewString, SessionService.GetSession),
		rpc.Unary(ServiceName, "TerminateSession", rpc.NewString, SessionService.TerminateSession),
		rpc.Unary(ServiceName, "CleanupExpiredSessions", rpc.NewEmpty, SessionService.CleanupExpiredSessions),
		rpc.Unary(ServiceName, "ListSessionHistory", rpc.NewStruct, SessionService.ListSessionHistory),
		rpc.Unary(ServiceName, "ListActivities", rpc.NewStruct, SessionService.ListActivities),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rdp/session/v1/session.proto",
}

// LiveSessions is the in-memory session table.
type LiveSessions interface {
	GetSession(token string) *domain.Session
	GetActiveSessions() []*domain.Session
	GetUserSessions(username string) []*domain.Session
	CleanupExpiredSessions(ctx context.Context) int
}

// Terminator ends a session through its owning connection.
type Terminator interface {
	TerminateSession(ctx context.Context, token string) error
}

// Server implements SessionService.
type Server struct {
	live       LiveSessions
	terminator Terminator
	repo       sessionrepo.Repository
}

// NewServer returns a new Session gRPC server. If live is nil, live-table RPCs return Unimplemented;
// if repo is nil, history RPCs do.
func NewServer(live LiveSessions, terminator Terminator, repo sessionrepo.Repository) *Server {
	return &Server{live: live, terminator: terminator, repo: repo}
}

// ListSessions returns live sessions, optionally filtered by the "username" field.
func (s *Server) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.live == nil {
		return nil, status.Error(codes.Unimplemented, "method ListSessions not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	var list []*domain.Session
	if username := rpc.String(req, "username"); username != "" {
		list = s.live.GetUserSessions(username)
	} else {
		list = s.live.GetActiveSessions()
	}
	return rpc.List("sessions", list, sessionToMap)
}

// GetSession returns a live session by token, falling back to the persisted record.
func (s *Server) GetSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.live == nil && s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetSession not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	token := req.GetValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}
	var ses *domain.Session
	if s.live != nil {
		ses = s.live.GetSession(token)
	}
	if ses == nil && s.repo != nil {
		var err error
		ses, err = s.repo.GetByToken(ctx, token)
		if err != nil {
			return nil, status.Error(codes.Internal, "failed to get session")
		}
	}
	if ses == nil {
		return nil, status.Error(codes.NotFound, "session not found")
	}
	return rpc.Struct(sessionToMap(ses))
}

// TerminateSession disconnects the session's connection with reason "terminated by administrator".
func (s *Server) TerminateSession(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.terminator == nil {
		return nil, status.Error(codes.Unimplemented, "method TerminateSession not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	token := req.GetValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}
	if err := s.terminator.TerminateSession(ctx, token); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, status.Error(codes.NotFound, "session not found")
		}
		return nil, status.Error(codes.Internal, "failed to terminate session")
	}
	return &emptypb.Empty{}, nil
}

// CleanupExpiredSessions runs one expiry pass and returns how many sessions were ended.
func (s *Server) CleanupExpiredSessions(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	if s.live == nil {
		return nil, status.Error(codes.Unimplemented, "method CleanupExpiredSessions not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return wrapperspb.Int32(int32(s.live.CleanupExpiredSessions(ctx))), nil
}

// ListSessionHistory returns persisted sessions for "username", newest first, up to "page_size".
func (s *Server) ListSessionHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListSessionHistory not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	username := rpc.String(req, "username")
	if username == "" {
		return nil, status.Error(codes.InvalidArgument, "username required")
	}
	pageSize := rpc.PageSize(rpc.Int(req, "page_size", 0), defaultPageSize, maxPageSize)
	list, err := s.repo.ListByUsername(ctx, username, int32(pageSize))
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list sessions")
	}
	return rpc.List("sessions", list, sessionToMap)
}

// ListActivities returns the activity records of the session "token", newest first.
func (s *Server) ListActivities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListActivities not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	token := rpc.String(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}
	pageSize := rpc.PageSize(rpc.Int(req, "page_size", 0), defaultPageSize, maxPageSize)
	list, err := s.repo.ListActivities(ctx, token, int32(pageSize))
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list activities")
	}
	return rpc.List("activities", list, activityToMap)
}

func sessionToMap(s *domain.Session) map[string]interface{} {
	return map[string]interface{}{
		"token":              s.Token,
		"username":           s.Username,
		"domain":             s.Domain,
		"client_addr":        s.ClientAddr,
		"kind":               string(s.Kind),
		"display":            map[string]interface{}{"width": s.Display.Width, "height": s.Display.Height, "color_depth": s.Display.ColorDepth},
		"state":              string(s.State),
		"start_time":         rpc.Timestamp(s.StartTime),
		"last_activity":      rpc.Timestamp(s.LastActivity),
		"end_time":           rpc.OptionalTimestamp(s.EndTime),
		"bytes_sent":         s.BytesSent,
		"bytes_received":     s.BytesReceived,
		"average_latency_ms": s.AverageLatencyMs,
		"cpu_usage":          s.CPUUsage,
		"memory_usage_mb":    s.MemoryUsageMB,
		"disconnect_reason":  s.DisconnectReason,
	}
}

func activityToMap(a *domain.Activity) map[string]interface{} {
	return map[string]interface{}{
		"id":            a.ID,
		"session_token": a.SessionToken,
		"type":          a.Type,
		"details":       a.Details,
		"created_at":    rpc.Timestamp(a.CreatedAt),
	}
}
