package domain

import (
	"errors"
	"strings"
	"time"
)

// DefaultMaxConcurrentSessions is applied when a user record carries no per-user session cap.
const DefaultMaxConcurrentSessions = 2

// User is a remote desktop account.
type User struct {
	ID                    string
	Username              string
	Domain                string
	PasswordHash          string
	FullName              string
	Email                 string
	IsActive              bool
	IsAdmin               bool
	IsLocked              bool
	LockoutEndTime        *time.Time
	FailedLoginAttempts   int
	TwoFactorEnabled      bool
	TwoFactorSecret       string
	MaxConcurrentSessions int
	// AllowedIPs lists addresses or CIDR ranges the user may connect from; empty allows any.
	AllowedIPs       []string
	AccountExpiresAt *time.Time
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsCurrentlyLocked reports whether the account is locked at now. A lock whose end time has passed no longer counts.
func (u *User) IsCurrentlyLocked(now time.Time) bool {
	if !u.IsLocked {
		return false
	}
	return u.LockoutEndTime == nil || now.Before(*u.LockoutEndTime)
}

// IsAccountExpired reports whether the account expiry date is at or before now.
func (u *User) IsAccountExpired(now time.Time) bool {
	return u.AccountExpiresAt != nil && !now.Before(*u.AccountExpiresAt)
}

// SessionLimit returns the per-user concurrent session cap.
func (u *User) SessionLimit() int {
	if u.MaxConcurrentSessions <= 0 {
		return DefaultMaxConcurrentSessions
	}
	return u.MaxConcurrentSessions
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if strings.Contains(u.Username, "|") {
		return errors.New("username must not contain '|'")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.TwoFactorEnabled && u.TwoFactorSecret == "" {
		return errors.New("two-factor secret is required when two-factor is enabled")
	}
	if u.Domain == "" {
		u.Domain = "LOCAL"
	}
	if u.MaxConcurrentSessions <= 0 {
		u.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	return nil
}

// JoinAllowedIPs encodes AllowedIPs for storage.
func JoinAllowedIPs(ips []string) string {
	return strings.Join(ips, ",")
}

// SplitAllowedIPs decodes the stored AllowedIPs column.
func SplitAllowedIPs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
