// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware stores the caller's claims here and the MCP
// tool handlers read them back; neither package imports the other.
package ctxutil

import (
	"context"

	"github.com/ownai/ownai/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context. It returns nil
// for anonymous requests.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}
