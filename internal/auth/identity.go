package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the caller may not see the requested trap.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the resolved caller: who they are, which customer they belong
// to, and their access level.
type Identity struct {
	Username string
	Customer string
	Role     Role
}

// Admin reports whether the identity has administrative access.
func (i Identity) Admin() bool {
	return i.Role == RoleAdmin
}

// CanViewDevice reports whether the identity may see a trap owned by the
// given customer tag. Admins see everything; users only their own customer.
func (i Identity) CanViewDevice(customer string) bool {
	if i.Admin() {
		return true
	}
	return i.Customer != "" && i.Customer == customer
}

type contextKey string

const contextKeyIdentity contextKey = "auth.identity"

// WithIdentity stores the caller identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext extracts the caller identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}
