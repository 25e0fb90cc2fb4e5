package interceptors

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"remote-desktop-server/internal/security"
)

const bearerPrefix = "bearer "

// AccountValidator reports whether the administrator account behind a token may still act.
// Used to refuse tokens of accounts that were locked, disabled or demoted after issuance.
type AccountValidator func(ctx context.Context, username, userDomain string) (bool, error)

// AuthUnary returns a unary server interceptor that validates the administrator Bearer token
// from gRPC metadata and sets username, domain and token id in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. the gRPC health check).
func AuthUnary(tokens *security.TokenProvider, publicMethods map[string]bool, accountValidator AccountValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := tokens.ValidateAdmin(token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			if errors.Is(err, security.ErrNotAdmin) {
				return nil, status.Error(codes.PermissionDenied, "administrator role required")
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		if accountValidator != nil && !public {
			ok, err := accountValidator(ctx, claims.Username, claims.Domain)
			if err != nil {
				return nil, status.Error(codes.Internal, "failed to validate account")
			}
			if !ok {
				return nil, status.Error(codes.Unauthenticated, "account no longer authorized")
			}
		}

		ctx = WithIdentity(ctx, claims.Username, claims.Domain, claims.ID)
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
