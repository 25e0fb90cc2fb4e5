package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	auditdomain "remote-desktop-server/internal/audit/domain"
	policyengine "remote-desktop-server/internal/policy/engine"
	"remote-desktop-server/internal/security"
	userdomain "remote-desktop-server/internal/user/domain"
)

type memUserRepo struct {
	mu      sync.Mutex
	users   map[string]*userdomain.User
	saves   int
	lookErr error
}

func userKey(username, userDomain string) string {
	return strings.ToLower(userDomain) + "\\" + strings.ToLower(username)
}

func (r *memUserRepo) GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookErr != nil {
		return nil, r.lookErr
	}
	u, ok := r.users[userKey(username, userDomain)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) UpdateLoginState(ctx context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[userKey(u.Username, u.Domain)] = &cp
	r.saves++
	return nil
}

func (r *memUserRepo) get(username, userDomain string) *userdomain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userKey(username, userDomain)]
}

type memEventLogger struct {
	mu     sync.Mutex
	events []auditdomain.SecurityEvent
}

func (l *memEventLogger) LogEvent(ctx context.Context, event auditdomain.SecurityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *memEventLogger) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixedCodeVerifier struct{ code string }

func (v fixedCodeVerifier) Verify(secret, code string) bool {
	return secret != "" && code == v.code
}

type fakePolicy struct {
	decision policyengine.Decision
	err      error
}

func (p fakePolicy) EvaluateLogin(ctx context.Context, user *userdomain.User, clientIP string) (policyengine.Decision, error) {
	return p.decision, p.err
}

var testHasher = security.NewHasher(4)

func newTestUser(t *testing.T, username, secret string) *userdomain.User {
	t.Helper()
	hash, err := testHasher.Hash([]byte(secret))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return &userdomain.User{
		ID:           username + "-id",
		Username:     username,
		Domain:       "LOCAL",
		PasswordHash: hash,
		IsActive:     true,
	}
}

func newTestService(t *testing.T, users ...*userdomain.User) (*AuthService, *memUserRepo, *memEventLogger) {
	t.Helper()
	repo := &memUserRepo{users: make(map[string]*userdomain.User)}
	for _, u := range users {
		repo.users[userKey(u.Username, u.Domain)] = u
	}
	events := &memEventLogger{}
	svc := NewAuthService(repo, testHasher, nil, fixedCodeVerifier{code: "123456"}, events, Options{
		MaxFailedAttempts: 3,
		LockoutDuration:   15 * time.Minute,
		DefaultDomain:     "LOCAL",
	})
	return svc, repo, events
}

func TestAuthenticate_Success(t *testing.T) {
	svc, repo, events := newTestService(t, newTestUser(t, "alice", "s3cret"))
	res, err := svc.Authenticate(context.Background(), "alice", "s3cret", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.Success || res.RequiresTwoFactor {
		t.Errorf("result = %+v, want success without two-factor", res)
	}
	if res.Domain != "LOCAL" {
		t.Errorf("Domain = %q, want LOCAL", res.Domain)
	}
	if repo.get("alice", "LOCAL").LastLoginAt == nil {
		t.Error("LastLoginAt should be set after success")
	}
	if events.count(auditdomain.EventLoginSuccess) != 1 {
		t.Error("expected one LOGIN_SUCCESS event")
	}
}

func TestAuthenticate_CaseInsensitiveLookup(t *testing.T) {
	svc, _, _ := newTestService(t, newTestUser(t, "alice", "s3cret"))
	res, err := svc.Authenticate(context.Background(), "ALICE", "s3cret", "local", "10.0.0.1")
	if err != nil || !res.Success {
		t.Fatalf("Authenticate = %+v, %v; want success", res, err)
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	svc, _, events := newTestService(t)
	res, err := svc.Authenticate(context.Background(), "ghost", "x", "LOCAL", "10.0.0.1")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if res.Success || res.Message != MsgInvalidCredentials {
		t.Errorf("result = %+v, want failure with %q", res, MsgInvalidCredentials)
	}
	if events.count(auditdomain.EventLoginFailed) != 1 {
		t.Error("expected one LOGIN_FAILED event")
	}
}

func TestAuthenticate_EmptyUsername(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "  ", "x", "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticate_LockoutAfterMaxAttempts(t *testing.T) {
	svc, repo, events := newTestService(t, newTestUser(t, "bob", "right"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Authenticate(ctx, "bob", "wrong", "", "10.0.0.2"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	u := repo.get("bob", "LOCAL")
	if !u.IsLocked || u.LockoutEndTime == nil {
		t.Fatalf("user should be locked after 3 failures: %+v", u)
	}
	if events.count(auditdomain.EventAccountLocked) != 1 {
		t.Error("expected one ACCOUNT_LOCKED event")
	}

	res, err := svc.Authenticate(ctx, "bob", "right", "", "10.0.0.2")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
	if res.Message != MsgAccountLocked {
		t.Errorf("Message = %q, want %q", res.Message, MsgAccountLocked)
	}
}

func TestAuthenticate_LockExpires(t *testing.T) {
	u := newTestUser(t, "carol", "right")
	past := time.Now().Add(-time.Minute)
	u.IsLocked = true
	u.LockoutEndTime = &past
	u.FailedLoginAttempts = 3
	svc, repo, events := newTestService(t, u)

	res, err := svc.Authenticate(context.Background(), "carol", "right", "", "")
	if err != nil || !res.Success {
		t.Fatalf("Authenticate = %+v, %v; want success after lock expiry", res, err)
	}
	stored := repo.get("carol", "LOCAL")
	if stored.IsLocked || stored.FailedLoginAttempts != 0 {
		t.Errorf("stored user = %+v, want unlocked with zero attempts", stored)
	}
	if events.count(auditdomain.EventAccountUnlocked) != 1 {
		t.Error("expected one ACCOUNT_UNLOCKED event")
	}
}

func TestAuthenticate_SuccessResetsFailedAttempts(t *testing.T) {
	svc, repo, _ := newTestService(t, newTestUser(t, "dave", "right"))
	ctx := context.Background()
	_, _ = svc.Authenticate(ctx, "dave", "wrong", "", "")
	if repo.get("dave", "LOCAL").FailedLoginAttempts != 1 {
		t.Fatal("failed attempt should be counted")
	}
	if _, err := svc.Authenticate(ctx, "dave", "right", "", ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if n := repo.get("dave", "LOCAL").FailedLoginAttempts; n != 0 {
		t.Errorf("FailedLoginAttempts = %d, want 0", n)
	}
}

func TestAuthenticate_AccountStates(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	testCases := []struct {
		name    string
		mutate  func(u *userdomain.User)
		wantErr error
		wantMsg string
	}{
		{"disabled", func(u *userdomain.User) { u.IsActive = false }, ErrAccountDisabled, MsgAccountDisabled},
		{"expired", func(u *userdomain.User) { u.AccountExpiresAt = &expired }, ErrAccountExpired, MsgAccountExpired},
		{"locked indefinitely", func(u *userdomain.User) { u.IsLocked = true }, ErrAccountLocked, MsgAccountLocked},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := newTestUser(t, "erin", "right")
			tc.mutate(u)
			svc, _, _ := newTestService(t, u)
			res, err := svc.Authenticate(context.Background(), "erin", "right", "", "")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if res.Message != tc.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tc.wantMsg)
			}
		})
	}
}

func TestAuthenticate_PolicyDenied(t *testing.T) {
	svc, _, _ := newTestService(t, newTestUser(t, "frank", "right"))
	svc.policy = fakePolicy{decision: policyengine.Decision{Allow: false, Reason: "client address not permitted"}}
	res, err := svc.Authenticate(context.Background(), "frank", "right", "", "192.168.1.9")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if res.Message != "client address not permitted" {
		t.Errorf("Message = %q, want policy reason", res.Message)
	}
}

func TestAuthenticate_PolicyRequiresTwoFactor(t *testing.T) {
	svc, _, _ := newTestService(t, newTestUser(t, "grace", "right"))
	svc.policy = fakePolicy{decision: policyengine.Decision{Allow: true, RequiresTwoFactor: true}}
	res, err := svc.Authenticate(context.Background(), "grace", "right", "", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.RequiresTwoFactor || res.TwoFactorMethod != TwoFactorMethodTOTP {
		t.Errorf("result = %+v, want TOTP two-factor", res)
	}
}

func TestAuthenticate_StoreError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.lookErr = errors.New("db down")
	res, err := svc.Authenticate(context.Background(), "alice", "x", "", "")
	if err == nil {
		t.Fatal("expected error when store fails")
	}
	if res.Message != MsgServiceError {
		t.Errorf("Message = %q, want %q", res.Message, MsgServiceError)
	}
}

func TestValidateTwoFactor(t *testing.T) {
	u := newTestUser(t, "heidi", "right")
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = "JBSWY3DPEHPK3PXP"
	svc, _, events := newTestService(t, u)
	ctx := context.Background()

	ok, err := svc.ValidateTwoFactor(ctx, "heidi", "", "123456")
	if err != nil || !ok {
		t.Errorf("ValidateTwoFactor valid = %v, %v; want true", ok, err)
	}
	ok, err = svc.ValidateTwoFactor(ctx, "heidi", "", "000000")
	if err != nil || ok {
		t.Errorf("ValidateTwoFactor invalid = %v, %v; want false", ok, err)
	}
	if events.count(auditdomain.EventTwoFactorFailed) != 1 {
		t.Error("expected one TWO_FACTOR_FAILED event")
	}
	ok, _ = svc.ValidateTwoFactor(ctx, "nobody", "", "123456")
	if ok {
		t.Error("unknown user should not validate")
	}
}

func TestAuthenticate_TwoFactorDefersSuccess(t *testing.T) {
	u := newTestUser(t, "judy", "right")
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = "JBSWY3DPEHPK3PXP"
	u.FailedLoginAttempts = 1
	svc, repo, events := newTestService(t, u)
	ctx := context.Background()

	res, err := svc.Authenticate(ctx, "judy", "right", "", "10.0.0.5")
	if err != nil || !res.RequiresTwoFactor {
		t.Fatalf("Authenticate = %+v, %v; want two-factor challenge", res, err)
	}
	if events.count(auditdomain.EventLoginSuccess) != 0 {
		t.Error("LOGIN_SUCCESS must wait for the second factor")
	}
	stored := repo.get("judy", "LOCAL")
	if stored.FailedLoginAttempts != 1 || stored.LastLoginAt != nil {
		t.Errorf("stored user = %+v, want attempts kept and no last login", stored)
	}

	if ok, err := svc.ValidateTwoFactor(ctx, "judy", "", "123456"); err != nil || !ok {
		t.Fatalf("ValidateTwoFactor = %v, %v; want true", ok, err)
	}
	if events.count(auditdomain.EventLoginSuccess) != 1 {
		t.Error("expected one LOGIN_SUCCESS event after the code")
	}
	stored = repo.get("judy", "LOCAL")
	if stored.FailedLoginAttempts != 0 || stored.LastLoginAt == nil {
		t.Errorf("stored user = %+v, want attempts reset and last login set", stored)
	}
}

func TestValidateTwoFactor_FailuresLockAccount(t *testing.T) {
	u := newTestUser(t, "ken", "right")
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = "JBSWY3DPEHPK3PXP"
	svc, repo, events := newTestService(t, u)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Authenticate(ctx, "ken", "right", "", "10.0.0.6"); err != nil {
			t.Fatalf("attempt %d: Authenticate: %v", i+1, err)
		}
		if ok, _ := svc.ValidateTwoFactor(ctx, "ken", "", "000000"); ok {
			t.Fatalf("attempt %d: wrong code accepted", i+1)
		}
	}
	if !repo.get("ken", "LOCAL").IsLocked {
		t.Fatal("account should be locked after 3 wrong codes")
	}
	if events.count(auditdomain.EventAccountLocked) != 1 {
		t.Error("expected one ACCOUNT_LOCKED event")
	}
	if events.count(auditdomain.EventLoginFailed) != 3 {
		t.Errorf("LOGIN_FAILED = %d, want 3", events.count(auditdomain.EventLoginFailed))
	}
	if ok, _ := svc.ValidateTwoFactor(ctx, "ken", "", "123456"); ok {
		t.Error("a locked account must not pass the second factor")
	}
	if _, err := svc.Authenticate(ctx, "ken", "right", "", "10.0.0.6"); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("err = %v, want ErrAccountLocked", err)
	}
}

func TestLockAndUnlockUser(t *testing.T) {
	svc, repo, _ := newTestService(t, newTestUser(t, "ivan", "right"))
	ctx := context.Background()
	if err := svc.LockUser(ctx, "ivan", "", "manual"); err != nil {
		t.Fatalf("LockUser: %v", err)
	}
	if !repo.get("ivan", "LOCAL").IsLocked {
		t.Fatal("user should be locked")
	}
	if err := svc.UnlockUser(ctx, "ivan", ""); err != nil {
		t.Fatalf("UnlockUser: %v", err)
	}
	if repo.get("ivan", "LOCAL").IsLocked {
		t.Error("user should be unlocked")
	}
	if err := svc.LockUser(ctx, "nobody", "", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("LockUser unknown: err = %v, want ErrUserNotFound", err)
	}
}
