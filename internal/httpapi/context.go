package httpapi

import (
	"context"

	"perimetra.io/internal/rbac"
)

// SecurityContext is the per-request identity resolved by requireAuth:
// session, user, role, and the effective permission set.
type SecurityContext struct {
	UserID      string
	SessionID   string
	Role        rbac.Role
	Permissions map[rbac.Permission]struct{}
	MFAVerified bool
}

// Has reports whether the request's effective set contains the permission.
func (sc *SecurityContext) Has(perm rbac.Permission) bool {
	_, ok := sc.Permissions[perm]
	return ok
}

type ctxKey string

const (
	securityCtxKey ctxKey = "security_context"
	requestIDKey   ctxKey = "request_id"
)

// ContextWithSecurity attaches the resolved identity to the request context.
func ContextWithSecurity(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, securityCtxKey, sc)
}

// SecurityFromContext returns the identity attached by requireAuth.
func SecurityFromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityCtxKey).(*SecurityContext)
	return sc, ok && sc != nil
}

// ContextWithRequestID attaches the request correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request correlation id, if set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
