// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware stores the authenticated principal here and
// the MCP tool handlers read it back; both import ctxutil instead of each
// other.
package ctxutil

import (
	"context"

	"github.com/nucleus-ops/nucleus/internal/model"
)

type contextKey string

const (
	keyPrincipal contextKey = "principal"
	keyRequestID contextKey = "request_id"
)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, &p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *model.Principal {
	if v, ok := ctx.Value(keyPrincipal).(*model.Principal); ok {
		return v
	}
	return nil
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// TenantVisible reports whether a principal may see a resource owned by
// tenantID. The process-wide key carries no tenant and sees everything.
func TenantVisible(p *model.Principal, tenantID string) bool {
	if p == nil {
		return false
	}
	return p.TenantID == "" || p.TenantID == tenantID
}
