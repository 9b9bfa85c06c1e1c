// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the resolved session via context

package auth

import (
	"context"

	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

// AuthContext holds the identity resolved from a request's bearer token.
// The gateway populates it; downstream handlers read it with FromContext.
type AuthContext struct {
	Identity *store.Identity  // fresh read made for this request
	Session  *session.Session // the presented session
	Token    string           // the presented bearer token, for logout
}

// OwnerID returns the authenticated identity id.
func (a *AuthContext) OwnerID() string {
	return a.Identity.ID
}

// IsAdmin reports whether the request holds an admin-tier session for an
// identity that is an admin right now.
func (a *AuthContext) IsAdmin() bool {
	return a.Session != nil && a.Session.Tier == session.TierAdmin &&
		a.Identity != nil && a.Identity.IsAdmin()
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

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
