package auth

import (
	"context"
)

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal adds a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the Principal from the context, falling
// back to the anonymous principal when none was attached.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok || p == nil {
		return AnonymousPrincipal()
	}
	return p
}
