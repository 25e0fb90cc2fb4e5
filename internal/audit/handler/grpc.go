package handler

import (
	"context"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"remote-desktop-server/internal/audit/domain"
	auditrepo "remote-desktop-server/internal/audit/repository"
	"remote-desktop-server/internal/platform/rbac"
	"remote-desktop-server/internal/platform/rpc"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ServiceName is the fully qualified audit service name.
const ServiceName = "rdp.audit.v1.AuditService"

// AuditService is the server API for reading recorded security events.
type AuditService interface {
	ListSecurityEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSecurityEvent(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ServiceDesc describes AuditService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditService)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListSecurityEvents", rpc.NewStruct, AuditService.ListSecurityEvents),
		rpc.Unary(ServiceName, "GetSecurityEvent", rpc.NewString, AuditService.GetSecurityEvent),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rdp/audit/v1/audit.proto",
}

// Server implements AuditService.
type Server struct {
	repo auditrepo.Repository
}

// NewServer returns a new Audit gRPC server. repo may be nil; then all RPCs return Unimplemented.
func NewServer(repo auditrepo.Repository) *Server {
	return &Server{repo: repo}
}

// ListSecurityEvents returns events newest first. Optional fields: "event_type", "page_size" and
// "page_token" (the opaque next_page_token of a previous call).
func (s *Server) ListSecurityEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListSecurityEvents not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	pageSize := rpc.PageSize(rpc.Int(req, "page_size", 0), defaultPageSize, maxPageSize)
	offset := int32(0)
	if tok := rpc.String(req, "page_token"); tok != "" {
		n, err := strconv.ParseInt(tok, 10, 32)
		if err != nil || n < 0 {
			return nil, status.Error(codes.InvalidArgument, "invalid page_token")
		}
		offset = int32(n)
	}
	eventType := strings.ToUpper(strings.TrimSpace(rpc.String(req, "event_type")))

	// One extra row tells us whether another page exists.
	events, err := s.repo.ListRecent(ctx, eventType, int32(pageSize)+1, offset)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list security events")
	}
	next := ""
	if len(events) > pageSize {
		events = events[:pageSize]
		next = strconv.Itoa(int(offset) + pageSize)
	}
	resp, err := rpc.List("events", events, eventToMap)
	if err != nil {
		return nil, err
	}
	resp.Fields["next_page_token"] = structpb.NewStringValue(next)
	return resp, nil
}

// GetSecurityEvent returns one event by ID.
func (s *Server) GetSecurityEvent(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetSecurityEvent not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id required")
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to get security event")
	}
	if e == nil {
		return nil, status.Error(codes.NotFound, "security event not found")
	}
	return rpc.Struct(eventToMap(e))
}

func eventToMap(e *domain.SecurityEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":            e.ID,
		"event_type":    e.Type,
		"severity":      string(e.Severity),
		"details":       e.Details,
		"username":      e.Username,
		"session_token": e.SessionToken,
		"client_ip":     e.ClientIP,
		"success":       e.Success,
		"server_name":   e.ServerName,
		"created_at":    rpc.Timestamp(e.CreatedAt),
	}
}
