// ABOUTME: Identity propagation through contexts and token resolution
// ABOUTME: Turns a bearer token into the chat.Identity used by the gate

package auth

import (
	"context"
	"slices"

	"github.com/2389/chatgate/internal/chat"
)

// RoleAdmin grants access to backend administration endpoints.
const RoleAdmin = "admin"

// IsAdmin returns true if the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && slices.Contains(c.Roles, RoleAdmin)
}

// Identity converts verified claims into a chat identity.
func (c *Claims) Identity() chat.Identity {
	if c == nil || c.Subject == "" {
		return chat.Anonymous
	}
	return chat.Identity{SubjectID: c.Subject, Email: c.Email, Authenticated: true}
}

// IdentityFromToken verifies token and returns the matching identity. An
// empty token is anonymous without error; a bad token is anonymous with the
// verification error so the caller can tell the user.
func IdentityFromToken(v TokenVerifier, token string) (chat.Identity, error) {
	if token == "" || v == nil {
		return chat.Anonymous, nil
	}
	claims, err := v.Verify(token)
	if err != nil {
		return chat.Anonymous, err
	}
	return claims.Identity(), nil
}

// claimsContextKey is the key type for storing Claims in context.Context.
type claimsContextKey struct{}

// WithClaims returns a new context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext retrieves the Claims from the context, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}

// IdentityFromContext returns the identity of the request, anonymous when
// no claims are attached.
func IdentityFromContext(ctx context.Context) chat.Identity {
	return FromContext(ctx).Identity()
}
