package audit

import "strings"

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

// verbs maps a method-name prefix to the audited action.
var verbs = []struct{ prefix, action string }{
	{"Get", "get"},
	{"List", "list"},
	{"Terminate", "terminate"},
	{"Cleanup", "cleanup"},
	{"Block", "block"},
	{"Unblock", "unblock"},
	{"Lock", "lock"},
	{"Unlock", "unlock"},
}

// ParseFullMethod returns action and resource for a gRPC full method (e.g. /rdp.admin.v1.AdminService/TerminateSession).
// The resource is the snake_case remainder of the method name after the verb (TerminateSession -> session,
// CleanupExpiredSessions -> expired_sessions, BlockIP -> ip). Unknown verbs yield the lowercase method name.
func ParseFullMethod(fullMethod string) ActionResource {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 || slash == len(fullMethod)-1 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	for _, v := range verbs {
		if rest, ok := strings.CutPrefix(method, v.prefix); ok && rest != "" && isUpper(rest[0]) {
			return ActionResource{Action: v.action, Resource: snake(rest)}
		}
	}
	return ActionResource{Action: strings.ToLower(method), Resource: "unknown"}
}

// EventType renders the security event type recorded for an admin RPC (e.g. ADMIN_TERMINATE_SESSION).
func (ar ActionResource) EventType() string {
	return "ADMIN_" + strings.ToUpper(ar.Action) + "_" + strings.ToUpper(ar.Resource)
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

// snake converts CamelCase to snake_case, keeping acronym runs together (BlockedIPs -> blocked_ips).
func snake(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUpper(c) {
			if i > 0 && !isUpper(s[i-1]) {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
