package interceptors

import "context"

type contextKey struct{ name string }

var (
	usernameKey = contextKey{"username"}
	domainKey   = contextKey{"domain"}
	tokenIDKey  = contextKey{"token_id"}
)

// WithIdentity returns a context carrying the authenticated administrator.
// Handlers read it via GetUsername, GetDomain, GetTokenID.
func WithIdentity(ctx context.Context, username, userDomain, tokenID string) context.Context {
	ctx = context.WithValue(ctx, usernameKey, username)
	ctx = context.WithValue(ctx, domainKey, userDomain)
	ctx = context.WithValue(ctx, tokenIDKey, tokenID)
	return ctx
}

// GetUsername returns the username from context and true if set; otherwise "", false.
func GetUsername(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(usernameKey).(string)
	return v, ok
}

// GetDomain returns the user domain from context and true if set; otherwise "", false.
func GetDomain(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(domainKey).(string)
	return v, ok
}

// GetTokenID returns the bearer token id (jti) from context and true if set; otherwise "", false.
func GetTokenID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenIDKey).(string)
	return v, ok
}
