package handler

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	identityservice "remote-desktop-server/internal/identity/service"
	"remote-desktop-server/internal/platform/rpc"
	"remote-desktop-server/internal/server/interceptors"
)

// ServiceName is the fully qualified admin auth service name.
const ServiceName = "rdp.auth.v1.AuthService"

// AuthService is the server API that exchanges administrator credentials for a bearer token.
type AuthService interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes AuthService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthService)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Login", rpc.NewStruct, AuthService.Login),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rdp/auth/v1/auth.proto",
}

// LoginMethod is the full method name of Login; it must be public in the auth interceptor.
var LoginMethod = rpc.FullMethod(ServiceName, "Login")

// Authenticator verifies credentials and second factors. Implemented by identity/service.AuthService.
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret, userDomain, clientIP string) (*identityservice.Result, error)
	ValidateTwoFactor(ctx context.Context, username, userDomain, code string) (bool, error)
}

// TokenIssuer signs administrator access tokens. Implemented by security.TokenProvider.
type TokenIssuer interface {
	IssueAdmin(username, userDomain string) (token, jti string, expiresAt time.Time, err error)
}

// AuthServer implements AuthService.
type AuthServer struct {
	auth   Authenticator
	tokens TokenIssuer
}

// NewAuthServer returns a new Auth gRPC server. If auth or tokens is nil, Login returns Unimplemented.
func NewAuthServer(auth Authenticator, tokens TokenIssuer) *AuthServer {
	return &AuthServer{auth: auth, tokens: tokens}
}

// Login authenticates "username"/"password" in optional "domain". Accounts with two-factor
// enabled must also send "totp_code". Only administrators receive a token.
func (s *AuthServer) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil || s.tokens == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	username := strings.TrimSpace(rpc.String(req, "username"))
	password := rpc.String(req, "password")
	if username == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "username and password required")
	}

	res, err := s.auth.Authenticate(ctx, username, password, rpc.String(req, "domain"), interceptors.ClientIP(ctx))
	if err != nil {
		return nil, authError(res, err)
	}
	if !res.IsAdmin {
		return nil, status.Error(codes.PermissionDenied, "administrator role required")
	}
	if res.RequiresTwoFactor {
		code := strings.TrimSpace(rpc.String(req, "totp_code"))
		if code == "" {
			return nil, status.Error(codes.FailedPrecondition, "two-factor code required")
		}
		ok, err := s.auth.ValidateTwoFactor(ctx, res.Username, res.Domain, code)
		if err != nil {
			return nil, status.Error(codes.Internal, "failed to validate two-factor code")
		}
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "invalid two-factor code")
		}
	}

	token, _, expiresAt, err := s.tokens.IssueAdmin(res.Username, res.Domain)
	if err != nil {
		log.Printf("auth: issue admin token for %s: %v", res.Username, err)
		return nil, status.Error(codes.Internal, "failed to issue token")
	}
	return rpc.Struct(map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   rpc.Timestamp(expiresAt),
		"username":     res.Username,
		"domain":       res.Domain,
	})
}

func authError(res *identityservice.Result, err error) error {
	switch {
	case errors.Is(err, identityservice.ErrInvalidCredentials),
		errors.Is(err, identityservice.ErrAccountLocked),
		errors.Is(err, identityservice.ErrAccountExpired),
		errors.Is(err, identityservice.ErrAccountDisabled),
		errors.Is(err, identityservice.ErrAccessDenied):
		msg := identityservice.MsgInvalidCredentials
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		return status.Error(codes.Unauthenticated, msg)
	default:
		return status.Error(codes.Internal, identityservice.MsgServiceError)
	}
}
