package handler

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

type mockListener bool

func (m mockListener) Running() bool { return bool(m) }

func check(t *testing.T, srv *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check must not return gRPC error on dependency failure: %v", err)
	}
	return resp.GetStatus()
}

func TestCheck(t *testing.T) {
	testCases := []struct {
		name     string
		pinger   Pinger
		policy   PolicyChecker
		listener Listener
		want     healthpb.HealthCheckResponse_ServingStatus
	}{
		{"no dependencies", nil, nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"pinger success", &mockPinger{}, nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"pinger failure", &mockPinger{pingErr: errors.New("connection refused")}, nil, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy success", nil, &mockPolicyChecker{}, nil, healthpb.HealthCheckResponse_SERVING},
		{"policy failure", nil, &mockPolicyChecker{healthErr: errors.New("rego compile failed")}, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"both checks policy fails", &mockPinger{}, &mockPolicyChecker{healthErr: errors.New("policy error")}, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"listener running", &mockPinger{}, &mockPolicyChecker{}, mockListener(true), healthpb.HealthCheckResponse_SERVING},
		{"listener stopped", &mockPinger{}, &mockPolicyChecker{}, mockListener(false), healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(tc.pinger, tc.policy, tc.listener)
			if got := check(t, srv, ""); got != tc.want {
				t.Errorf("status = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheck_RDPService(t *testing.T) {
	srv := NewServer(&mockPinger{pingErr: errors.New("down")}, nil, mockListener(true))
	if got := check(t, srv, RDPService); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("listener status = %v, want SERVING regardless of the database", got)
	}
	srv = NewServer(nil, nil, mockListener(false))
	if got := check(t, srv, RDPService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("listener status = %v, want NOT_SERVING", got)
	}
}

func TestCheck_UnknownService(t *testing.T) {
	_, err := NewServer(nil, nil, nil).Check(context.Background(), &healthpb.HealthCheckRequest{Service: "other"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", status.Code(err))
	}
}
