package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	auditdomain "remote-desktop-server/internal/audit/domain"
	policyengine "remote-desktop-server/internal/policy/engine"
	userdomain "remote-desktop-server/internal/user/domain"
)

// Sentinel errors for the auth service; callers map them to client messages.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountExpired     = errors.New("account expired")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccessDenied       = errors.New("access denied by policy")
	ErrUserNotFound       = errors.New("user not found")
)

// Client-facing failure messages. They never reveal whether the account exists.
const (
	MsgInvalidCredentials = "Invalid username or password"
	MsgAccountLocked      = "User account is locked"
	MsgAccountExpired     = "Account has expired"
	MsgAccountDisabled    = "Account is disabled"
	MsgServiceError       = "Authentication service error"
)

// TwoFactorMethodTOTP is the only second factor supported.
const TwoFactorMethodTOTP = "TOTP"

// Result is the outcome of one Authenticate call.
type Result struct {
	Success           bool
	Message           string
	RequiresTwoFactor bool
	TwoFactorMethod   string
	Username          string
	Domain            string
	IsAdmin           bool
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByUsernameAndDomain(ctx context.Context, username, userDomain string) (*userdomain.User, error)
	UpdateLoginState(ctx context.Context, u *userdomain.User) error
}

// PasswordHasher verifies stored secrets.
type PasswordHasher interface {
	Compare(hash string, secret []byte) error
	DummyCompare(secret []byte)
}

// CodeVerifier validates one-time codes against a shared secret.
type CodeVerifier interface {
	Verify(secret, code string) bool
}

// EventLogger records security events.
type EventLogger interface {
	LogEvent(ctx context.Context, event auditdomain.SecurityEvent)
}

// Options holds lockout and domain settings.
type Options struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	DefaultDomain     string
}

// AuthService verifies credentials against the user store with failed-login
// lockout, account expiry, login policy and an optional TOTP second factor.
type AuthService struct {
	users  UserRepo
	hasher PasswordHasher
	policy policyengine.Evaluator
	codes  CodeVerifier
	events EventLogger
	opts   Options
	nowF   func() time.Time
}

// NewAuthService returns an AuthService. policy, codes and events may be nil:
// without a policy every login is allowed, without a verifier every code is rejected.
func NewAuthService(users UserRepo, hasher PasswordHasher, policy policyengine.Evaluator, codes CodeVerifier, events EventLogger, opts Options) *AuthService {
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = 3
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = 15 * time.Minute
	}
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = "LOCAL"
	}
	return &AuthService{
		users:  users,
		hasher: hasher,
		policy: policy,
		codes:  codes,
		events: events,
		opts:   opts,
		nowF:   time.Now,
	}
}

func (s *AuthService) normalize(username, userDomain string) (string, string) {
	username = strings.TrimSpace(username)
	userDomain = strings.TrimSpace(userDomain)
	if userDomain == "" {
		userDomain = s.opts.DefaultDomain
	}
	return username, userDomain
}

// Authenticate checks username/secret in userDomain for a client at clientIP.
// The returned Result is never nil; Message is safe to send to the client.
// A non-nil error is one of the sentinel errors (possibly wrapped) or a store failure.
func (s *AuthService) Authenticate(ctx context.Context, username, secret, userDomain, clientIP string) (*Result, error) {
	username, userDomain = s.normalize(username, userDomain)
	res := &Result{Username: username, Domain: userDomain}
	if username == "" {
		res.Message = MsgInvalidCredentials
		return res, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsernameAndDomain(ctx, username, userDomain)
	if err != nil {
		log.Printf("auth: lookup %s\\%s: %v", userDomain, username, err)
		res.Message = MsgServiceError
		return res, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		s.hasher.DummyCompare([]byte(secret))
		s.loginFailed(ctx, username, userDomain, clientIP, "user not found")
		res.Message = MsgInvalidCredentials
		return res, ErrInvalidCredentials
	}

	now := s.nowF().UTC()
	var unlocked bool
	if !user.IsActive {
		s.loginFailed(ctx, username, userDomain, clientIP, "account disabled")
		res.Message = MsgAccountDisabled
		return res, ErrAccountDisabled
	}
	if user.IsCurrentlyLocked(now) {
		s.loginFailed(ctx, username, userDomain, clientIP, "account locked")
		res.Message = MsgAccountLocked
		return res, ErrAccountLocked
	}
	if user.IsLocked {
		// Lock has elapsed.
		user.IsLocked = false
		user.LockoutEndTime = nil
		user.FailedLoginAttempts = 0
		unlocked = true
		s.logEvent(ctx, auditdomain.SecurityEvent{
			Type:     auditdomain.EventAccountUnlocked,
			Details:  fmt.Sprintf("lockout for %s expired", username),
			Username: username,
			ClientIP: clientIP,
			Success:  true,
		})
	}
	if user.IsAccountExpired(now) {
		s.loginFailed(ctx, username, userDomain, clientIP, "account expired")
		res.Message = MsgAccountExpired
		return res, ErrAccountExpired
	}

	if err := s.hasher.Compare(user.PasswordHash, []byte(secret)); err != nil {
		s.recordFailure(ctx, user, clientIP, "invalid secret", now)
		res.Message = MsgInvalidCredentials
		return res, ErrInvalidCredentials
	}

	decision := policyengine.Decision{Allow: true, RequiresTwoFactor: user.TwoFactorEnabled}
	if s.policy != nil {
		decision, err = s.policy.EvaluateLogin(ctx, user, clientIP)
		if err != nil {
			log.Printf("auth: policy evaluation for %s: %v", username, err)
		}
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "access denied"
		}
		s.loginFailed(ctx, username, userDomain, clientIP, reason)
		res.Message = reason
		return res, fmt.Errorf("%w: %s", ErrAccessDenied, reason)
	}

	res.Success = true
	res.IsAdmin = user.IsAdmin
	if decision.RequiresTwoFactor {
		// The login only succeeds once ValidateTwoFactor accepts a code.
		res.RequiresTwoFactor = true
		res.TwoFactorMethod = TwoFactorMethodTOTP
		if unlocked {
			s.saveLoginState(ctx, user)
		}
		return res, nil
	}
	s.loginSucceeded(ctx, user, clientIP, now)
	return res, nil
}

// ValidateTwoFactor checks a TOTP code for username in userDomain and completes
// the login on success. A wrong code counts as a failed attempt toward lockout.
// Returns false, nil for a wrong code and an error only when the store fails.
func (s *AuthService) ValidateTwoFactor(ctx context.Context, username, userDomain, code string) (bool, error) {
	username, userDomain = s.normalize(username, userDomain)
	user, err := s.users.GetByUsernameAndDomain(ctx, username, userDomain)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	now := s.nowF().UTC()
	if user == nil || s.codes == nil || !user.TwoFactorEnabled || user.IsCurrentlyLocked(now) {
		return false, nil
	}
	if s.codes.Verify(user.TwoFactorSecret, code) {
		s.loginSucceeded(ctx, user, "", now)
		return true, nil
	}
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventTwoFactorFailed,
		Severity: auditdomain.SeverityWarning,
		Details:  fmt.Sprintf("invalid two-factor code for %s", username),
		Username: username,
	})
	s.recordFailure(ctx, user, "", "invalid two-factor code", now)
	return false, nil
}

// LockUser locks the account until now+LockoutDuration.
func (s *AuthService) LockUser(ctx context.Context, username, userDomain, reason string) error {
	username, userDomain = s.normalize(username, userDomain)
	user, err := s.users.GetByUsernameAndDomain(ctx, username, userDomain)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	s.lock(ctx, user, "", reason, s.nowF().UTC())
	return nil
}

// UnlockUser clears the lock and failed-attempt counter.
func (s *AuthService) UnlockUser(ctx context.Context, username, userDomain string) error {
	username, userDomain = s.normalize(username, userDomain)
	user, err := s.users.GetByUsernameAndDomain(ctx, username, userDomain)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	user.IsLocked = false
	user.LockoutEndTime = nil
	user.FailedLoginAttempts = 0
	if err := s.users.UpdateLoginState(ctx, user); err != nil {
		return fmt.Errorf("update login state: %w", err)
	}
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventAccountUnlocked,
		Details:  fmt.Sprintf("user %s unlocked", username),
		Username: username,
		Success:  true,
	})
	return nil
}

func (s *AuthService) loginSucceeded(ctx context.Context, user *userdomain.User, clientIP string, now time.Time) {
	user.FailedLoginAttempts = 0
	user.LastLoginAt = &now
	s.saveLoginState(ctx, user)
	details := fmt.Sprintf("user %s authenticated", user.Username)
	if clientIP != "" {
		details += " from " + clientIP
	}
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventLoginSuccess,
		Details:  details,
		Username: user.Username,
		ClientIP: clientIP,
		Success:  true,
	})
}

func (s *AuthService) recordFailure(ctx context.Context, user *userdomain.User, clientIP, reason string, now time.Time) {
	user.FailedLoginAttempts++
	s.loginFailed(ctx, user.Username, user.Domain, clientIP, fmt.Sprintf("%s (attempt %d)", reason, user.FailedLoginAttempts))
	if user.FailedLoginAttempts >= s.opts.MaxFailedAttempts {
		s.lock(ctx, user, clientIP, fmt.Sprintf("%d failed login attempts", user.FailedLoginAttempts), now)
		return
	}
	s.saveLoginState(ctx, user)
}

func (s *AuthService) lock(ctx context.Context, user *userdomain.User, clientIP, reason string, now time.Time) {
	end := now.Add(s.opts.LockoutDuration)
	user.IsLocked = true
	user.LockoutEndTime = &end
	s.saveLoginState(ctx, user)
	log.Printf("auth: user %s locked until %s: %s", user.Username, end.Format(time.RFC3339), reason)
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventAccountLocked,
		Severity: auditdomain.SeverityWarning,
		Details:  fmt.Sprintf("user %s locked: %s", user.Username, reason),
		Username: user.Username,
		ClientIP: clientIP,
	})
}

func (s *AuthService) saveLoginState(ctx context.Context, user *userdomain.User) {
	if err := s.users.UpdateLoginState(ctx, user); err != nil {
		log.Printf("auth: save login state for %s: %v", user.Username, err)
	}
}

func (s *AuthService) loginFailed(ctx context.Context, username, userDomain, clientIP, reason string) {
	s.logEvent(ctx, auditdomain.SecurityEvent{
		Type:     auditdomain.EventLoginFailed,
		Severity: auditdomain.SeverityWarning,
		Details:  fmt.Sprintf("login failed for %s\\%s: %s", userDomain, username, reason),
		Username: username,
		ClientIP: clientIP,
	})
}

func (s *AuthService) logEvent(ctx context.Context, event auditdomain.SecurityEvent) {
	if s.events != nil {
		s.events.LogEvent(ctx, event)
	}
}
