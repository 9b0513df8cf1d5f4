package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store/memstore"
)

func newMiddleware(calls *int) *Middleware {
	return &Middleware{
		Store:    memstore.New(),
		TenantID: func(r *http.Request) string { return "t1" },
	}
}

func countingHandler(calls *int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(body))
	})
}

func TestReplaysIdenticalRequestWithoutRerunningHandler(t *testing.T) {
	var calls int
	m := newMiddleware(&calls)
	handler := m.Wrap(countingHandler(&calls, `{"ok":true}`))

	req1 := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"amount":100}`))
	req1.Header.Set(HeaderKey, "key-1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)
	require.Equal(t, `{"ok":true}`, rec1.Body.String())
	require.Equal(t, 1, calls)

	req2 := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"amount":100}`))
	req2.Header.Set(HeaderKey, "key-1")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)
	require.Equal(t, `{"ok":true}`, rec2.Body.String())
	require.Equal(t, "true", rec2.Header().Get(ReplayHeader))
	require.Equal(t, 1, calls, "handler must not run again on replay")
}

func TestConflictOnDifferentBodySameKey(t *testing.T) {
	var calls int
	m := newMiddleware(&calls)
	handler := m.Wrap(countingHandler(&calls, `{"ok":true}`))

	req1 := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"amount":100}`))
	req1.Header.Set(HeaderKey, "key-2")
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"amount":200}`))
	req2.Header.Set(HeaderKey, "key-2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusConflict, rec2.Code)
	require.Contains(t, rec2.Body.String(), "IDEMPOTENCY_KEY_CONFLICT")
	require.Equal(t, 1, calls)
}

func TestNoKeyPassesThrough(t *testing.T) {
	var calls int
	m := newMiddleware(&calls)
	handler := m.Wrap(countingHandler(&calls, `{"ok":true}`))

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 1, calls)
}
