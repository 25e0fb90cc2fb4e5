package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	userdomain "remote-desktop-server/internal/user/domain"
)

const policyQuery = "data.rdp.auth"

// DefaultPolicy is the built-in login policy. AUTH_POLICY_FILE may replace it with a module of the same package.
const DefaultPolicy = `package rdp.auth

default allow := false
default requires_two_factor := false
default reason := ""

allow if {
	count(input.user.allowed_ips) == 0
}

allow if {
	some entry in input.user.allowed_ips
	entry == input.client_ip
}

allow if {
	some entry in input.user.allowed_ips
	contains(entry, "/")
	net.cidr_contains(entry, input.client_ip)
}

reason := "client address not permitted" if {
	not allow
}

requires_two_factor if {
	input.user.two_factor_enabled
}

requires_two_factor if {
	input.user.is_admin
	input.settings.require_two_factor_for_admins
}
`

// OPAEvaluator evaluates login policy using a prepared OPA Rego query.
type OPAEvaluator struct {
	query                  rego.PreparedEvalQuery
	requireTwoFactorAdmins bool
}

// LoadPolicyFile reads a Rego module from path. An empty path returns DefaultPolicy.
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return DefaultPolicy, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", path, err)
	}
	return string(b), nil
}

// NewOPAEvaluator compiles policy (DefaultPolicy when empty) and prepares the query.
func NewOPAEvaluator(ctx context.Context, policy string, requireTwoFactorAdmins bool) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"auth.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: pq, requireTwoFactorAdmins: requireTwoFactorAdmins}, nil
}

// HealthCheck evaluates the prepared query against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.evaluate(ctx, e.buildInput(&userdomain.User{}, "127.0.0.1"))
	return err
}

// EvaluateLogin evaluates the login policy for user connecting from clientIP.
// On evaluation failure it logs and falls back to the user's own flags with an exact-match address check.
func (e *OPAEvaluator) EvaluateLogin(ctx context.Context, user *userdomain.User, clientIP string) (Decision, error) {
	if user == nil {
		return Decision{Reason: "unknown user"}, nil
	}
	d, err := e.evaluate(ctx, e.buildInput(user, clientIP))
	if err != nil {
		log.Printf("policy: evaluation failed: %v, using defaults", err)
		return e.defaultDecision(user, clientIP), nil
	}
	return d, nil
}

func (e *OPAEvaluator) buildInput(user *userdomain.User, clientIP string) map[string]interface{} {
	allowed := make([]interface{}, 0, len(user.AllowedIPs))
	for _, ip := range user.AllowedIPs {
		allowed = append(allowed, ip)
	}
	return map[string]interface{}{
		"client_ip": clientIP,
		"user": map[string]interface{}{
			"username":           user.Username,
			"domain":             user.Domain,
			"is_admin":           user.IsAdmin,
			"two_factor_enabled": user.TwoFactorEnabled,
			"allowed_ips":        allowed,
		},
		"settings": map[string]interface{}{
			"require_two_factor_for_admins": e.requireTwoFactorAdmins,
		},
	}
}

func (e *OPAEvaluator) evaluate(ctx context.Context, input map[string]interface{}) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy result is %T, want object", rs[0].Expressions[0].Value)
	}
	var d Decision
	d.Allow, _ = doc["allow"].(bool)
	d.RequiresTwoFactor, _ = doc["requires_two_factor"].(bool)
	d.Reason, _ = doc["reason"].(string)
	return d, nil
}

func (e *OPAEvaluator) defaultDecision(user *userdomain.User, clientIP string) Decision {
	d := Decision{
		Allow:             len(user.AllowedIPs) == 0 || slices.Contains(user.AllowedIPs, clientIP),
		RequiresTwoFactor: user.TwoFactorEnabled || (user.IsAdmin && e.requireTwoFactorAdmins),
	}
	if !d.Allow {
		d.Reason = "client address not permitted"
	}
	return d
}
