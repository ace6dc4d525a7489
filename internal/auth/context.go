package auth

import "context"

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	UserID      string
	Email       string
	MFAVerified bool
	Roles       []string
}

// HasRole reports whether the principal's token carries the named role.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom extracts the principal, if any, from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
