// Package idempotency implements the request-level idempotency-key
// middleware: fingerprint the request, replay a stored response on a
// matching key, reject a reused key whose request differs. Grounded on the
// teacher's internal/middleware/tenant.go closure-over-http.HandlerFunc
// idiom, generalized from tenant resolution to response-snapshot replay.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// DefaultTTL is the idempotency record lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// HeaderKey is the request header a client sets to request idempotent
// handling of a mutating call.
const HeaderKey = "x-idempotency-key"

// ReplayHeader marks a response that was served from a stored snapshot
// rather than by re-running the handler.
const ReplayHeader = "x-idempotency-replayed"

var ErrKeyConflict = domainerr.New("IDEMPOTENCY_KEY_CONFLICT", http.StatusConflict, "idempotency key was reused with a different request")

// TenantIDFunc extracts the resolved tenant id from a request already
// authenticated by an earlier middleware stage.
type TenantIDFunc func(r *http.Request) string

// Cache is an optional read-through accelerator in front of the durable
// Store lookup (SPEC_FULL.md §4.H). internal/infra.IdempotencyCache
// satisfies this with a Redis-backed implementation; a deployment with no
// cache wired simply always misses and falls through to the Store.
type Cache interface {
	Get(ctx context.Context, tenantID, key string) (*store.IdempotencyRecord, error)
	Put(ctx context.Context, rec *store.IdempotencyRecord) error
}

// Middleware wraps handlers with idempotency-key fingerprinting and replay.
type Middleware struct {
	Store    store.Store
	Cache    Cache
	TenantID TenantIDFunc
	Now      func() time.Time
	TTL      time.Duration
}

func (m *Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Middleware) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

// Wrap returns an http.Handler decorator enforcing idempotent replay. A
// request with no idempotency-key header passes straight through.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := m.TenantID(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeDomainErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "unreadableRequestBody"}))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint, err := requestFingerprint(r.Method, r.URL.Path, body)
		if err != nil {
			writeDomainErr(w, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "requestBodyNotCanonicalizable"}))
			return
		}

		existing := m.lookup(r.Context(), tenantID, key)
		if existing != nil {
			if existing.RequestFingerprint != fingerprint {
				writeDomainErr(w, ErrKeyConflict)
				return
			}
			w.Header().Set(ReplayHeader, "true")
			w.WriteHeader(existing.ResponseStatus)
			_, _ = w.Write(existing.ResponseBody)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(rec, r)

		stored := &store.IdempotencyRecord{
			TenantID:           tenantID,
			Key:                key,
			RequestFingerprint: fingerprint,
			ResponseStatus:     rec.status,
			ResponseBody:       rec.body.Bytes(),
			CreatedAt:          m.now(),
			TTL:                m.ttl(),
		}
		_ = m.Store.PutIdempotency(r.Context(), stored)
		if m.Cache != nil {
			_ = m.Cache.Put(r.Context(), stored)
		}
	})
}

// lookup checks the optional read-through cache before falling through to
// the durable Store, so a hot key under repeated replay skips the store
// round trip entirely.
func (m *Middleware) lookup(ctx context.Context, tenantID, key string) *store.IdempotencyRecord {
	if m.Cache != nil {
		if rec, err := m.Cache.Get(ctx, tenantID, key); err == nil {
			return rec
		}
	}
	rec, err := m.Store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		return nil
	}
	if m.Cache != nil {
		_ = m.Cache.Put(ctx, rec)
	}
	return rec
}

// requestFingerprint computes sha256(canonical({method, path, bodyCanonical})).
// An empty body canonicalizes to nil rather than failing.
func requestFingerprint(method, path string, body []byte) (string, error) {
	var bodyCanonical any
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&bodyCanonical); err != nil {
			return "", err
		}
	}
	return canonical.HashOf(map[string]any{
		"method":        method,
		"path":          path,
		"bodyCanonical": bodyCanonical,
	})
}

func writeDomainErr(w http.ResponseWriter, derr *domainerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(derr.HTTPStatus)
	_, _ = w.Write([]byte(`{"code":"` + derr.Code + `","message":"` + derr.Message + `"}`))
}

// responseRecorder buffers a handler's response so it can be persisted as
// an idempotency snapshot and still forwarded verbatim to the real writer.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// WithTenantID is a convenience TenantIDFunc constructor for tests and
// simple deployments that already stashed the tenant in the request
// context under a caller-chosen key.
func WithTenantID(ctxKey any) TenantIDFunc {
	return func(r *http.Request) string {
		v, _ := r.Context().Value(ctxKey).(string)
		return v
	}
}
