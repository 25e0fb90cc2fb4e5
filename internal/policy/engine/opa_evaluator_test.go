package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	userdomain "remote-desktop-server/internal/user/domain"
)

func newEvaluator(t *testing.T, policy string, requireAdmins bool) *OPAEvaluator {
	t.Helper()
	e, err := NewOPAEvaluator(context.Background(), policy, requireAdmins)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	return e
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := newEvaluator(t, "", false)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestNewOPAEvaluator_InvalidPolicy(t *testing.T) {
	if _, err := NewOPAEvaluator(context.Background(), "package rdp.auth\n\nallow if {", false); err == nil {
		t.Fatal("NewOPAEvaluator with invalid Rego should return error")
	}
}

func TestOPAEvaluator_EvaluateLogin_AddressPolicy(t *testing.T) {
	e := newEvaluator(t, "", false)
	ctx := context.Background()

	testCases := []struct {
		name      string
		allowed   []string
		clientIP  string
		wantAllow bool
	}{
		{"no allow list", nil, "203.0.113.9", true},
		{"exact match", []string{"192.168.1.5"}, "192.168.1.5", true},
		{"cidr match", []string{"10.0.0.0/8"}, "10.20.30.40", true},
		{"second entry matches", []string{"192.168.1.5", "172.16.0.0/12"}, "172.16.4.4", true},
		{"no match", []string{"10.0.0.0/8", "192.168.1.5"}, "203.0.113.9", false},
		{"unknown client ip", []string{"10.0.0.0/8"}, "unknown", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := &userdomain.User{Username: "alice", AllowedIPs: tc.allowed}
			d, err := e.EvaluateLogin(ctx, u, tc.clientIP)
			if err != nil {
				t.Fatalf("EvaluateLogin: %v", err)
			}
			if d.Allow != tc.wantAllow {
				t.Errorf("Allow = %v, want %v", d.Allow, tc.wantAllow)
			}
			if !d.Allow && d.Reason == "" {
				t.Error("denied decision should carry a reason")
			}
			if d.Allow && d.Reason != "" {
				t.Errorf("allowed decision reason = %q, want empty", d.Reason)
			}
		})
	}
}

func TestOPAEvaluator_EvaluateLogin_TwoFactor(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name          string
		requireAdmins bool
		user          userdomain.User
		want          bool
	}{
		{"plain user", false, userdomain.User{Username: "u"}, false},
		{"user with 2fa", false, userdomain.User{Username: "u", TwoFactorEnabled: true}, true},
		{"admin, not required", false, userdomain.User{Username: "a", IsAdmin: true}, false},
		{"admin, required", true, userdomain.User{Username: "a", IsAdmin: true}, true},
		{"non-admin, admins required", true, userdomain.User{Username: "u"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEvaluator(t, "", tc.requireAdmins)
			d, err := e.EvaluateLogin(ctx, &tc.user, "127.0.0.1")
			if err != nil {
				t.Fatalf("EvaluateLogin: %v", err)
			}
			if d.RequiresTwoFactor != tc.want {
				t.Errorf("RequiresTwoFactor = %v, want %v", d.RequiresTwoFactor, tc.want)
			}
		})
	}
}

func TestOPAEvaluator_CustomPolicy(t *testing.T) {
	policy := `package rdp.auth

default allow := false
default requires_two_factor := true

allow if {
	input.user.domain == "CORP"
}
`
	e := newEvaluator(t, policy, false)
	ctx := context.Background()

	d, _ := e.EvaluateLogin(ctx, &userdomain.User{Username: "bob", Domain: "CORP"}, "1.2.3.4")
	if !d.Allow || !d.RequiresTwoFactor {
		t.Errorf("CORP user decision = %+v, want allow with two-factor", d)
	}
	d, _ = e.EvaluateLogin(ctx, &userdomain.User{Username: "bob", Domain: "LOCAL"}, "1.2.3.4")
	if d.Allow {
		t.Errorf("LOCAL user decision = %+v, want deny", d)
	}
}

func TestOPAEvaluator_NilUser(t *testing.T) {
	e := newEvaluator(t, "", false)
	d, err := e.EvaluateLogin(context.Background(), nil, "127.0.0.1")
	if err != nil || d.Allow {
		t.Errorf("EvaluateLogin(nil) = %+v, %v; want deny", d, err)
	}
}

func TestDefaultDecision(t *testing.T) {
	e := &OPAEvaluator{requireTwoFactorAdmins: true}
	d := e.defaultDecision(&userdomain.User{IsAdmin: true, AllowedIPs: []string{"10.0.0.1"}}, "10.0.0.2")
	if d.Allow || !d.RequiresTwoFactor || d.Reason == "" {
		t.Errorf("defaultDecision = %+v, want deny requiring two-factor", d)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	p, err := LoadPolicyFile("")
	if err != nil || p != DefaultPolicy {
		t.Errorf("LoadPolicyFile(\"\") should return DefaultPolicy")
	}
	path := filepath.Join(t.TempDir(), "auth.rego")
	if err := os.WriteFile(path, []byte("package rdp.auth\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = LoadPolicyFile(path)
	if err != nil || p != "package rdp.auth\n" {
		t.Errorf("LoadPolicyFile = %q, %v", p, err)
	}
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("LoadPolicyFile on missing file should return error")
	}
}
