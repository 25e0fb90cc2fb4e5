package rbac

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"remote-desktop-server/internal/server/interceptors"
)

func TestRequireAdmin_Success(t *testing.T) {
	ctx := interceptors.WithIdentity(context.Background(), "admin", "LOCAL", "jti-1")
	username, userDomain, err := RequireAdmin(ctx)
	if err != nil {
		t.Fatalf("RequireAdmin: %v", err)
	}
	if username != "admin" || userDomain != "LOCAL" {
		t.Errorf("identity = %q/%q, want admin/LOCAL", username, userDomain)
	}
}

func TestRequireAdmin_NoIdentity(t *testing.T) {
	_, _, err := RequireAdmin(context.Background())
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}

func TestRequireAdmin_EmptyUsername(t *testing.T) {
	ctx := interceptors.WithIdentity(context.Background(), "", "LOCAL", "jti-1")
	if _, _, err := RequireAdmin(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}
