// Package engine decides per-login access policy (client address allow lists, two-factor requirement).
package engine

import (
	"context"

	userdomain "remote-desktop-server/internal/user/domain"
)

// Decision holds the result of login policy evaluation.
type Decision struct {
	Allow             bool
	RequiresTwoFactor bool
	// Reason is a short client-safe explanation when Allow is false.
	Reason string
}

// Evaluator evaluates login policy using OPA or other engines.
type Evaluator interface {
	// EvaluateLogin decides whether user may log in from clientIP and whether a second factor is required.
	EvaluateLogin(ctx context.Context, user *userdomain.User, clientIP string) (Decision, error)
}
