package audit

import "testing"

func TestParseFullMethod(t *testing.T) {
	testCases := []struct {
		method       string
		wantAction   string
		wantResource string
	}{
		{"/rdp.admin.v1.AdminService/GetServerStatus", "get", "server_status"},
		{"/rdp.admin.v1.AdminService/ListSessions", "list", "sessions"},
		{"/rdp.admin.v1.AdminService/TerminateSession", "terminate", "session"},
		{"/rdp.admin.v1.AdminService/CleanupExpiredSessions", "cleanup", "expired_sessions"},
		{"/rdp.admin.v1.AdminService/BlockIP", "block", "ip"},
		{"/rdp.admin.v1.AdminService/UnblockIP", "unblock", "ip"},
		{"/rdp.admin.v1.AdminService/ListBlockedIPs", "list", "blocked_ips"},
		{"/rdp.admin.v1.AdminService/UnlockUser", "unlock", "user"},
		{"/rdp.admin.v1.AdminService/Ping", "ping", "unknown"},
		{"/rdp.admin.v1.AdminService/Getter", "getter", "unknown"},
		{"no-slash", "unknown", "unknown"},
		{"/trailing/", "unknown", "unknown"},
	}
	for _, tc := range testCases {
		ar := ParseFullMethod(tc.method)
		if ar.Action != tc.wantAction || ar.Resource != tc.wantResource {
			t.Errorf("ParseFullMethod(%q) = %+v, want {%s %s}", tc.method, ar, tc.wantAction, tc.wantResource)
		}
	}
}

func TestActionResource_EventType(t *testing.T) {
	ar := ParseFullMethod("/rdp.admin.v1.AdminService/TerminateSession")
	if got := ar.EventType(); got != "ADMIN_TERMINATE_SESSION" {
		t.Errorf("EventType = %q, want %q", got, "ADMIN_TERMINATE_SESSION")
	}
}
