// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Identity kinds.
const (
	KindOperator  = "operator"
	KindAgent     = "agent"
	KindAnonymous = "anonymous"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string // operator name or agent ID
	Kind    string // KindOperator, KindAgent, or KindAnonymous
}

// IsOperator reports whether the request was made by an operator. Anonymous
// callers count as operators when operator auth is disabled.
func (a *AuthContext) IsOperator() bool {
	return a.Kind == KindOperator || a.Kind == KindAnonymous
}

// IsAgent reports whether the request was authenticated as agentID.
func (a *AuthContext) IsAgent(agentID string) bool {
	return a.Kind == KindAgent && a.Subject == agentID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
