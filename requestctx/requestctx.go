// Package requestctx carries per-request identity through a call graph so that
// routing and auditing code can find the acting session without every function
// taking it as a parameter.
package requestctx

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"payroll/tenant"
)

// Identity is the authenticated caller as produced by token verification.
type Identity struct {
	ActorID          string
	ActorDisplayName string
	// TenantHint is the payroll class named in the token. It may be empty.
	TenantHint string
}

// SessionID derives the routing session key for the identity.
func (i Identity) SessionID() string {
	return strings.TrimSpace(i.ActorID)
}

type ctxKey int

const (
	identityKey ctxKey = iota
	sessionKey
	tenantKey
	requestIDKey
)

// WithIdentity stores the identity and its session id in ctx.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey, identity)
	if sessionID := identity.SessionID(); sessionID != "" {
		ctx = context.WithValue(ctx, sessionKey, sessionID)
	}
	return ctx
}

// IdentityFrom returns the identity stored in ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// WithSession stores an explicit session id in ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, strings.TrimSpace(sessionID))
}

// SessionID returns the ambient session id.
func SessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionKey).(string)
	if !ok || sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// WithTenant pins a logical database for every routed call made with ctx,
// regardless of the session binding. Administrative tooling uses it to address
// a tenant without creating a session.
func WithTenant(ctx context.Context, db tenant.Database) context.Context {
	return context.WithValue(ctx, tenantKey, db)
}

// TenantFrom returns the pinned tenant, if any.
func TenantFrom(ctx context.Context) (tenant.Database, bool) {
	db, ok := ctx.Value(tenantKey).(tenant.Database)
	return db, ok
}

// WithRequestID stores a correlation id. An empty id is replaced by a new UUID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the correlation id stored in ctx or "".
func RequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}

// Actor returns the display name used for audit columns, falling back to the
// actor id when no display name was supplied.
func Actor(ctx context.Context) string {
	identity, ok := IdentityFrom(ctx)
	if !ok {
		return ""
	}
	if name := strings.TrimSpace(identity.ActorDisplayName); name != "" {
		return name
	}
	return identity.SessionID()
}
