package handler

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	identityservice "remote-desktop-server/internal/identity/service"
	"remote-desktop-server/internal/platform/rbac"
	"remote-desktop-server/internal/platform/rpc"
	"remote-desktop-server/internal/user/domain"
)

// ServiceName is the fully qualified user service name.
const ServiceName = "rdp.user.v1.UserService"

// UserService is the server API for account lookup and lockout management.
type UserService interface {
	GetUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LockUser(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UnlockUser(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// ServiceDesc describes UserService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UserService)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetUser", rpc.NewStruct, UserService.GetUser),
		rpc.Unary(ServiceName, "LockUser", rpc.NewStruct, UserService.LockUser),
		rpc.Unary(ServiceName, "UnlockUser", rpc.NewStruct, UserService.UnlockUser),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rdp/user/v1/user.proto",
}

// UserLookup finds accounts by username and domain.
type UserLookup interface {
	GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*domain.User, error)
}

// AccountLocker locks and unlocks accounts. Implemented by identity/service.AuthService.
type AccountLocker interface {
	LockUser(ctx context.Context, username, userDomain, reason string) error
	UnlockUser(ctx context.Context, username, userDomain string) error
}

// Server implements UserService.
type Server struct {
	users         UserLookup
	locker        AccountLocker
	defaultDomain string
}

// NewServer returns a new User gRPC server. users may be nil; then GetUser returns Unimplemented.
// locker may be nil; then LockUser and UnlockUser return Unimplemented.
func NewServer(users UserLookup, locker AccountLocker, defaultDomain string) *Server {
	if defaultDomain == "" {
		defaultDomain = "LOCAL"
	}
	return &Server{users: users, locker: locker, defaultDomain: defaultDomain}
}

func (s *Server) account(req *structpb.Struct) (string, string, error) {
	username := strings.TrimSpace(rpc.String(req, "username"))
	if username == "" {
		return "", "", status.Error(codes.InvalidArgument, "username required")
	}
	userDomain := strings.TrimSpace(rpc.String(req, "domain"))
	if userDomain == "" {
		userDomain = s.defaultDomain
	}
	return username, userDomain, nil
}

// GetUser returns an account by "username" and optional "domain". Credentials are never returned.
func (s *Server) GetUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.users == nil {
		return nil, status.Error(codes.Unimplemented, "method GetUser not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	username, userDomain, err := s.account(req)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByUsernameAndDomain(ctx, username, userDomain)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to look up user")
	}
	if u == nil {
		return nil, status.Error(codes.NotFound, "user not found")
	}
	return rpc.Struct(userToMap(u))
}

// LockUser locks an account for the configured lockout duration.
func (s *Server) LockUser(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if s.locker == nil {
		return nil, status.Error(codes.Unimplemented, "method LockUser not implemented")
	}
	admin, _, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	username, userDomain, err := s.account(req)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(rpc.String(req, "reason"))
	if reason == "" {
		reason = "locked by administrator " + admin
	}
	if err := s.locker.LockUser(ctx, username, userDomain, reason); err != nil {
		return nil, lockError(err, "lock")
	}
	return &emptypb.Empty{}, nil
}

// UnlockUser clears an account lock and its failed attempt counter.
func (s *Server) UnlockUser(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if s.locker == nil {
		return nil, status.Error(codes.Unimplemented, "method UnlockUser not implemented")
	}
	if _, _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	username, userDomain, err := s.account(req)
	if err != nil {
		return nil, err
	}
	if err := s.locker.UnlockUser(ctx, username, userDomain); err != nil {
		return nil, lockError(err, "unlock")
	}
	return &emptypb.Empty{}, nil
}

func lockError(err error, op string) error {
	if errors.Is(err, identityservice.ErrUserNotFound) {
		return status.Error(codes.NotFound, "user not found")
	}
	return status.Error(codes.Internal, "failed to "+op+" user")
}

func userToMap(u *domain.User) map[string]interface{} {
	allowed := make([]interface{}, 0, len(u.AllowedIPs))
	for _, ip := range u.AllowedIPs {
		allowed = append(allowed, ip)
	}
	return map[string]interface{}{
		"id":                      u.ID,
		"username":                u.Username,
		"domain":                  u.Domain,
		"full_name":               u.FullName,
		"email":                   u.Email,
		"is_active":               u.IsActive,
		"is_admin":                u.IsAdmin,
		"is_locked":               u.IsLocked,
		"lockout_end_time":        rpc.OptionalTimestamp(u.LockoutEndTime),
		"failed_login_attempts":   u.FailedLoginAttempts,
		"two_factor_enabled":      u.TwoFactorEnabled,
		"max_concurrent_sessions": u.SessionLimit(),
		"allowed_ips":             allowed,
		"account_expires_at":      rpc.OptionalTimestamp(u.AccountExpiresAt),
		"last_login_at":           rpc.OptionalTimestamp(u.LastLoginAt),
		"created_at":              rpc.Timestamp(u.CreatedAt),
	}
}
