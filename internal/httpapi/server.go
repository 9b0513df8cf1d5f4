// Package httpapi exposes the settlement core's HTTP surface: tenant
// resolution, authentication, request-id propagation, stable domain-error
// mapping, and the route handlers that wire the engine packages together.
// Grounded on the teacher's internal/api/server.go gorilla/mux dispatcher
// and internal/middleware/tenant.go header-driven tenant resolution,
// generalized from a single-tenant dev fallback to the full
// Bearer/api-key/ops-token authentication surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nooterra/settld-core/internal/authority"
	"github.com/nooterra/settld-core/internal/disputes"
	"github.com/nooterra/settld-core/internal/idempotency"
	"github.com/nooterra/settld-core/internal/keyset"
	"github.com/nooterra/settld-core/internal/livestream"
	"github.com/nooterra/settld-core/internal/monitoring"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/runengine"
	"github.com/nooterra/settld-core/internal/session"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/tenancy"
	"github.com/nooterra/settld-core/internal/toolcalls"
	"github.com/nooterra/settld-core/internal/workorder"
)

// Brand prefixes protocol-version and artifact-type headers, matching
// internal/outbox's delivery-signature headers.
const Brand = "settld"

// TenantHeader carries the caller's tenant id on every request.
const TenantHeader = "x-proxy-tenant-id"

// OpsTokenHeader authenticates operational callers (scheduler triggers,
// export acks) that act across tenants rather than as one tenant's agent.
const OpsTokenHeader = "x-proxy-ops-token"

// APIKeyHeader is the simple-deployment alternative to Authorization: Bearer.
const APIKeyHeader = "x-api-key"

// RequestIDHeader is echoed on every response, generated when absent.
const RequestIDHeader = "x-request-id"

// ExpectedPrevChainHashHeader carries a run/session event append's
// optimistic-concurrency precondition.
const ExpectedPrevChainHashHeader = "x-proxy-expected-prev-chain-hash"

// Server bundles every engine the dispatcher wires into route handlers.
type Server struct {
	Store        store.Store
	Tenancy      *tenancy.Manager
	OpsTokens    map[string]bool
	RunEngine    *runengine.Engine
	Authority    *authority.Verifier
	Idempotent   *idempotency.Middleware
	Outbox       *outbox.Worker
	Keyset       *keyset.Ring
	WorkOrder    *workorder.Engine
	Session      *session.Engine
	Metrics      *monitoring.Metrics
	AgentCardHub *livestream.Hub[*store.AgentCard]
	Now          func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Router builds the full gorilla/mux dispatcher.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	if s.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	r.Use(s.authMiddleware)
	if s.Idempotent != nil {
		r.Use(s.Idempotent.Wrap)
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/agents/register", s.handleRegisterAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/wallet", s.handleGetWallet).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/wallet/credit", s.handleCreditWallet).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/runs", s.handleCreateRun).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/runs/{runId}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/runs/{runId}/events", s.handleListRunEvents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/runs/{runId}/events", s.handleAppendRunEvent).Methods(http.MethodPost)

	r.HandleFunc("/authority-grants", s.handleCreateGrant(store.GrantKindAuthority)).Methods(http.MethodPost)
	r.HandleFunc("/authority-grants", s.handleListGrants(store.GrantKindAuthority)).Methods(http.MethodGet)
	r.HandleFunc("/authority-grants/{id}", s.handleGetGrant).Methods(http.MethodGet)
	r.HandleFunc("/authority-grants/{id}/revoke", s.handleRevokeGrant).Methods(http.MethodPost)
	r.HandleFunc("/delegation-grants", s.handleCreateGrant(store.GrantKindDelegation)).Methods(http.MethodPost)
	r.HandleFunc("/delegation-grants", s.handleListGrants(store.GrantKindDelegation)).Methods(http.MethodGet)

	r.HandleFunc("/ops/tool-calls/holds/lock", s.handleCreateHold).Methods(http.MethodPost)
	r.HandleFunc("/ops/tool-calls/holds", s.handleListHolds).Methods(http.MethodGet)
	r.HandleFunc("/ops/tool-calls/holds/{holdHash}", s.handleGetHold).Methods(http.MethodGet)
	r.HandleFunc("/ops/tool-calls/replay-evaluate", s.handleReplayEvaluate).Methods(http.MethodGet)
	r.HandleFunc("/tool-calls/arbitration/open", s.handleOpenArbitration).Methods(http.MethodPost)
	r.HandleFunc("/tool-calls/arbitration/verdict", s.handleArbitrationVerdict).Methods(http.MethodPost)

	r.HandleFunc("/runs/{id}/dispute/open", s.handleDisputeOpen).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/dispute/evidence", s.handleDisputeEvidence).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/dispute/escalate", s.handleDisputeEscalate).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/dispute/close", s.handleDisputeClose).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/settlement", s.handleGetSettlement).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/verification", s.handleGetVerification).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/agreement", s.handleGetAgreement).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/settlement/resolve", s.handleResolveSettlement).Methods(http.MethodPost)

	r.HandleFunc("/x402/gate/create", s.handleX402GateCreate).Methods(http.MethodPost)

	r.HandleFunc("/work-orders", s.handleCreateWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders", s.handleListWorkOrders).Methods(http.MethodGet)
	r.HandleFunc("/work-orders/{id}", s.handleGetWorkOrder).Methods(http.MethodGet)
	r.HandleFunc("/work-orders/{id}/offer", s.handleOfferWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/accept", s.handleAcceptWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/start", s.handleStartWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/top-up", s.handleTopUpWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/complete", s.handleCompleteWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/settle", s.handleSettleWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/cancel", s.handleCancelWorkOrder).Methods(http.MethodPost)
	r.HandleFunc("/work-orders/{id}/receipt", s.handleGetReceipt).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/events", s.handleListSessionEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/events", s.handleAppendSessionEvent).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/replay-pack", s.handleSessionReplayPack).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/transcript", s.handleSessionTranscript).Methods(http.MethodGet)

	r.HandleFunc("/public/agent-cards/stream", s.handleAgentCardStream).Methods(http.MethodGet)
	r.HandleFunc("/public/agent-cards/ws", s.handleAgentCardWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/.well-known/"+Brand+"-keys.json", s.handleWellKnownKeys).Methods(http.MethodGet)
	r.HandleFunc("/exports/ack", s.handleExportsAck).Methods(http.MethodPost)
	r.HandleFunc("/ops/deliveries", s.handleListDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/ops/keyset/rotate", s.handleRotateKeyset).Methods(http.MethodPost)

	return r
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(withRequestID(r.Context(), id))
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency against the route
// template (not the raw path, which would blow up cardinality with every
// {id}), grounded on the teacher's escrow.Metrics.RecordTransaction
// call-after-work shape.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = tmpl
		}
		s.Metrics.RecordHTTPRequest(route, r.Method, rec.status, s.now().Sub(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
