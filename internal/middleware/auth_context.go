package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext is what the Tenant Gate attaches to a request after a
// successful credential lookup (§4.9). There is no per-human identity or
// role set here — every caller is a tenant-scoped API credential, not a
// logged-in user.
type AuthContext struct {
	TenantID     uuid.UUID
	CredentialID uuid.UUID
	Admin        bool
}

// GetAuthContext retrieves the AuthContext attached by the Tenant Gate.
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(authContextKey).(*AuthContext)
	return val, ok
}

// WithAuthContext attaches an AuthContext to ctx.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}
