package interceptors

import (
	"context"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"remote-desktop-server/internal/audit"
	"remote-desktop-server/internal/audit/domain"
)

// AuditUnary returns a unary server interceptor that records a security event after each
// authenticated admin RPC. skipMethods is the set of full method names to not audit (e.g. health checks).
// LogEvent is best-effort and never fails the RPC. Only records when a username is in context.
func AuditUnary(events audit.EventLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if events == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		username, _ := GetUsername(ctx)
		if username == "" {
			return resp, err
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		event := domain.SecurityEvent{
			Type:     ar.EventType(),
			Username: username,
			ClientIP: ClientIP(ctx),
			Success:  err == nil,
			Details:  fmt.Sprintf("%s: %s", info.FullMethod, status.Code(err)),
		}
		if err != nil {
			event.Severity = domain.SeverityWarning
		}
		events.LogEvent(ctx, event)
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
