// Package rbac resolves the calling administrator for admin RPC handlers.
package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"remote-desktop-server/internal/server/interceptors"
)

// RequireAdmin ensures the auth interceptor placed an administrator identity in ctx.
// Returns (username, domain, nil) on success and an Unauthenticated gRPC error otherwise.
func RequireAdmin(ctx context.Context) (username, userDomain string, err error) {
	username, okUser := interceptors.GetUsername(ctx)
	userDomain, _ = interceptors.GetDomain(ctx)
	if !okUser || username == "" {
		return "", "", status.Error(codes.Unauthenticated, "administrator context required")
	}
	return username, userDomain, nil
}
