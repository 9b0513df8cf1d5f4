package httpapi

import (
	"net/http"
	"strings"

	"github.com/nooterra/settld-core/internal/domainerr"
)

// skipAuth bypasses authentication for endpoints that either have no
// tenant context yet (healthz) or are themselves the public key discovery
// surface a caller fetches before it can authenticate anything.
func skipAuth(path string) bool {
	if path == "/healthz" || path == "/metrics" {
		return true
	}
	return strings.HasPrefix(path, "/.well-known/")
}

// authMiddleware resolves the caller's tenant via, in order: a valid
// x-proxy-ops-token (cross-tenant operational caller, tenant id taken from
// x-proxy-tenant-id verbatim), an Authorization: Bearer api key, or an
// x-api-key header. Grounded on the teacher's internal/middleware/tenant.go
// header-driven resolution, generalized to the bcrypt-backed api key check
// in internal/tenancy.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if opsToken := r.Header.Get(OpsTokenHeader); opsToken != "" {
			if !s.OpsTokens[opsToken] {
				writeErr(w, domainerr.ErrUnauth.WithDetails(map[string]any{"reason": "opsTokenNotRecognized"}))
				return
			}
			tenantID := r.Header.Get(TenantHeader)
			ctx := withOpsCall(r.Context())
			if tenantID != "" {
				ctx = withTenantID(ctx, tenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		bearer := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			bearer = strings.TrimPrefix(auth, "Bearer ")
		} else if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" {
			bearer = apiKey
		}
		if bearer == "" {
			writeErr(w, domainerr.ErrUnauth.WithDetails(map[string]any{"reason": "noCredentialPresented"}))
			return
		}

		tenant, err := s.Tenancy.ValidateAPIKey(r.Context(), bearer)
		if err != nil {
			writeErr(w, err)
			return
		}

		if hdr := r.Header.Get(TenantHeader); hdr != "" && hdr != tenant.TenantID {
			writeErr(w, domainerr.ErrForbidden.WithDetails(map[string]any{"reason": "tenantHeaderDoesNotMatchApiKeyTenant"}))
			return
		}

		next.ServeHTTP(w, r.WithContext(withTenantID(r.Context(), tenant.TenantID)))
	})
}
