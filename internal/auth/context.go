package auth

import "context"

type identityKey struct{}

// Identity is the authenticated web caller, stored in the request context
// by the JWT middleware so audit logging can attribute actions.
type Identity struct {
	Role    Role
	Subject string
}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, role Role, subject string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{Role: role, Subject: subject})
}

// RoleFromContext returns the caller role, or "" for unauthenticated
// requests (device routes, exempt paths).
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id.Role
}

// SubjectFromContext returns the token subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id.Subject
}
