package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestIsCurrentlyLocked(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	testCases := []struct {
		name string
		u    User
		want bool
	}{
		{"not locked", User{}, false},
		{"locked without end", User{IsLocked: true}, true},
		{"locked until future", User{IsLocked: true, LockoutEndTime: &future}, true},
		{"lock elapsed", User{IsLocked: true, LockoutEndTime: &past}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.IsCurrentlyLocked(now); got != tc.want {
				t.Errorf("IsCurrentlyLocked = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsAccountExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&User{}).IsAccountExpired(now) {
		t.Error("user without expiry should not be expired")
	}
	if !(&User{AccountExpiresAt: &past}).IsAccountExpired(now) {
		t.Error("user with past expiry should be expired")
	}
	if !(&User{AccountExpiresAt: &now}).IsAccountExpired(now) {
		t.Error("user expiring exactly now should be expired")
	}
	if (&User{AccountExpiresAt: &future}).IsAccountExpired(now) {
		t.Error("user with future expiry should not be expired")
	}
}

func TestValidate(t *testing.T) {
	u := &User{Username: "alice", PasswordHash: "x"}
	if err := u.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if u.Domain != "LOCAL" {
		t.Errorf("Domain = %q, want LOCAL", u.Domain)
	}
	if u.MaxConcurrentSessions != DefaultMaxConcurrentSessions {
		t.Errorf("MaxConcurrentSessions = %d, want %d", u.MaxConcurrentSessions, DefaultMaxConcurrentSessions)
	}

	bad := []User{
		{PasswordHash: "x"},
		{Username: "a|b", PasswordHash: "x"},
		{Username: "alice"},
		{Username: "alice", PasswordHash: "x", TwoFactorEnabled: true},
	}
	for i := range bad {
		if err := bad[i].Validate(); err == nil {
			t.Errorf("Validate(%+v) should return error", bad[i])
		}
	}
}

func TestAllowedIPsEncoding(t *testing.T) {
	ips := []string{"10.0.0.0/8", "192.168.1.5"}
	got := SplitAllowedIPs(JoinAllowedIPs(ips))
	if !reflect.DeepEqual(got, ips) {
		t.Errorf("SplitAllowedIPs = %v, want %v", got, ips)
	}
	if SplitAllowedIPs("  ") != nil {
		t.Error("blank column should decode to nil")
	}
}
