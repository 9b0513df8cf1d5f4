package httpapi

import (
	"context"
	"net/http"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTenantID
	ctxKeyOpsCall
)

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func withTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKeyTenantID, tenantID)
}

func tenantIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTenantID).(string)
	return v
}

func withOpsCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyOpsCall, true)
}

func isOpsCall(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyOpsCall).(bool)
	return v
}

// TenantIDFromRequest exposes the tenant id authMiddleware resolved onto a
// request's context, for callers (cmd/server) that construct the
// idempotency.Middleware wired into Router.
func TenantIDFromRequest(r *http.Request) string {
	return tenantIDFrom(r.Context())
}

// TenantIDFromContext is TenantIDFromRequest's context-only counterpart, for
// callers (cmd/server) that bind engine closures — authority.Verifier's
// GrantLoader/AgentLoader, for instance — which only ever see the request
// context, never the *http.Request itself.
func TenantIDFromContext(ctx context.Context) string {
	return tenantIDFrom(ctx)
}
