// Package tests exercises the settlement core end to end, over the real
// HTTP dispatcher (internal/httpapi.Server.Router), covering the concrete
// scenarios spec.md §8 calls out: a first verified run releasing in full, a
// chain-hash conflict, idempotent replay, manual review, dispute
// escalation, receiver-side tamper detection, and key rotation.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/authority"
	"github.com/nooterra/settld-core/internal/disputes"
	"github.com/nooterra/settld-core/internal/httpapi"
	"github.com/nooterra/settld-core/internal/idempotency"
	"github.com/nooterra/settld-core/internal/keyset"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/runengine"
	"github.com/nooterra/settld-core/internal/scheduler"
	"github.com/nooterra/settld-core/internal/session"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
	"github.com/nooterra/settld-core/internal/tenancy"
	"github.com/nooterra/settld-core/internal/webhookverify"
	"github.com/nooterra/settld-core/internal/workorder"
)

const (
	testTenant   = "tenant_1"
	testOpsToken = "ops-secret-for-tests"
)

// newTestServer wires every engine the way cmd/server does, against a fresh
// in-memory store, fixed at the given clock.
func newTestServer(now time.Time) *httpapi.Server {
	backend := memstore.New()
	nowFn := func() time.Time { return now }

	tenancyMgr := &tenancy.Manager{Store: backend, Now: nowFn}
	runEngine := &runengine.Engine{Store: backend, Now: nowFn}
	authVerifier := &authority.Verifier{
		LoadGrant: func(ctx context.Context, grantHash string) (*store.Grant, error) {
			return backend.GetGrantByHash(ctx, httpapi.TenantIDFromContext(ctx), grantHash)
		},
		LoadAgent: func(ctx context.Context, agentID string) (*store.AgentIdentity, error) {
			return backend.GetAgent(ctx, httpapi.TenantIDFromContext(ctx), agentID)
		},
	}
	outboxWorker := &outbox.Worker{Store: backend, Now: nowFn}
	idempotent := &idempotency.Middleware{Store: backend, TenantID: httpapi.TenantIDFromRequest, Now: nowFn}
	ring := &keyset.Ring{Store: backend, TrustDomain: "test.settld", Now: nowFn}
	workOrderEngine := &workorder.Engine{Store: backend, Now: nowFn}
	sessionEngine := &session.Engine{Store: backend, Now: nowFn}

	return &httpapi.Server{
		Store:      backend,
		Tenancy:    tenancyMgr,
		OpsTokens:  map[string]bool{testOpsToken: true},
		RunEngine:  runEngine,
		Authority:  authVerifier,
		Idempotent: idempotent,
		Outbox:     outboxWorker,
		Keyset:     ring,
		WorkOrder:  workOrderEngine,
		Session:    sessionEngine,
		Now:        nowFn,
	}
}

// do issues an ops-token-authenticated request (every scenario here acts as
// an operational caller scoped to one tenant, the simplest path through
// authMiddleware that still exercises tenant resolution).
func do(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := requestWithIdempotencyKey(t, method, path, body, "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func requestWithIdempotencyKey(t *testing.T, method, path string, body any, idemKey string) *http.Request {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.OpsTokenHeader, testOpsToken)
	req.Header.Set(httpapi.TenantHeader, testTenant)
	if idemKey != "" {
		req.Header.Set(idempotency.HeaderKey, idemKey)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func registerAgentAndCredit(t *testing.T, handler http.Handler, agentID string, creditCents int64) {
	t.Helper()
	rec := do(t, handler, http.MethodPost, "/agents/register", map[string]any{"agentId": agentID, "displayName": agentID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if creditCents > 0 {
		rec = do(t, handler, http.MethodPost, "/agents/"+agentID+"/wallet/credit", map[string]any{"amountCents": creditCents})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

// TestFirstVerifiedRunReleasesInFull is spec.md §8's "First verified run"
// scenario: credit the payer, run a settlement-carrying run to completion,
// and check the full fan-out of wallet balances, settlement status, and
// event count.
func TestFirstVerifiedRunReleasesInFull(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	registerAgentAndCredit(t, handler, "payer", 5000)
	registerAgentAndCredit(t, handler, "payee", 0)

	rec := do(t, handler, http.MethodPost, "/agents/payer/runs", map[string]any{
		"runId": "run_1",
		"settlement": map[string]any{
			"payerAgentId": "payer", "payeeAgentId": "payee",
			"amountCents": 1250, "currency": "USD",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Run        store.Run        `json:"run"`
		Settlement store.Settlement `json:"settlement"`
	}
	decodeBody(t, rec, &created)
	require.Equal(t, store.SettlementLocked, created.Settlement.Status)

	for _, evt := range []string{"RUN_STARTED", "EVIDENCE_ADDED", "RUN_COMPLETED"} {
		rec = do(t, handler, http.MethodPost, "/agents/payer/runs/run_1/events", map[string]any{
			"type": evt, "actor": "payee", "payload": map[string]any{},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, "/agents/payer/runs/run_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run store.Run
	decodeBody(t, rec, &run)
	require.Equal(t, store.RunCompleted, run.Status)

	rec = do(t, handler, http.MethodGet, "/runs/run_1/verification", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verification map[string]any
	decodeBody(t, rec, &verification)
	require.Equal(t, string(runengine.VerificationGreen), verification["status"])

	rec = do(t, handler, http.MethodGet, "/runs/run_1/settlement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settlement store.Settlement
	decodeBody(t, rec, &settlement)
	require.Equal(t, store.SettlementReleased, settlement.Status)
	require.Equal(t, int64(1250), settlement.ReleasedAmountCents)

	rec = do(t, handler, http.MethodGet, "/agents/payer/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payerWallet store.AgentWallet
	decodeBody(t, rec, &payerWallet)
	require.Equal(t, int64(3750), payerWallet.AvailableCents)
	require.Equal(t, int64(0), payerWallet.EscrowLockedCents)

	rec = do(t, handler, http.MethodGet, "/agents/payee/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payeeWallet store.AgentWallet
	decodeBody(t, rec, &payeeWallet)
	require.Equal(t, int64(1250), payeeWallet.AvailableCents)
	require.Equal(t, int64(0), payeeWallet.EscrowLockedCents)

	rec = do(t, handler, http.MethodGet, "/agents/payer/runs/run_1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]any
	decodeBody(t, rec, &events)
	require.Len(t, events, 4)
}

// TestChainConflictRejectsStaleExpectedPrevHash is the "Chain conflict"
// scenario: appending with an expectedPrevChainHash that no longer matches
// the stream head is rejected, not silently reordered.
func TestChainConflictRejectsStaleExpectedPrevHash(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	registerAgentAndCredit(t, handler, "agent_1", 0)
	rec := do(t, handler, http.MethodPost, "/agents/agent_1/runs", map[string]any{"runId": "run_1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/agents/agent_1/runs/run_1/events", map[string]any{
		"type": "RUN_STARTED", "actor": "agent_1", "payload": map[string]any{},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req := requestWithIdempotencyKey(t, http.MethodPost, "/agents/agent_1/runs/run_1/events", map[string]any{
		"type": "RUN_COMPLETED", "actor": "agent_1", "payload": map[string]any{},
	}, "")
	req.Header.Set(httpapi.ExpectedPrevChainHashHeader, "not-the-real-head")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, "CHAIN_HASH_MISMATCH", body["code"])

	rec = do(t, handler, http.MethodGet, "/agents/agent_1/runs/run_1", nil)
	var run store.Run
	decodeBody(t, rec, &run)
	require.Equal(t, store.RunStarted, run.Status, "the rejected append must not have advanced run status")
}

// TestIdempotentReplayOnCreateRun is the "Idempotent replay" scenario: the
// same idempotency key replays the first response instead of creating the
// run twice or double-locking funds.
func TestIdempotentReplayOnCreateRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	registerAgentAndCredit(t, handler, "payer", 5000)
	registerAgentAndCredit(t, handler, "payee", 0)

	body := map[string]any{
		"runId": "run_1",
		"settlement": map[string]any{
			"payerAgentId": "payer", "payeeAgentId": "payee",
			"amountCents": 1000, "currency": "USD",
		},
	}

	issue := func() *httptest.ResponseRecorder {
		req := requestWithIdempotencyKey(t, http.MethodPost, "/agents/payer/runs", body, "idem-key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := issue()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Empty(t, first.Header().Get(idempotency.ReplayHeader))

	second := issue()
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	rec := do(t, handler, http.MethodGet, "/agents/payer/wallet", nil)
	var wal store.AgentWallet
	decodeBody(t, rec, &wal)
	require.Equal(t, int64(1000), wal.EscrowLockedCents, "replay must not lock funds a second time")

	conflicting := requestWithIdempotencyKey(t, http.MethodPost, "/agents/payer/runs", map[string]any{
		"runId": "run_1",
		"settlement": map[string]any{
			"payerAgentId": "payer", "payeeAgentId": "payee",
			"amountCents": 9999, "currency": "USD",
		},
	}, "idem-key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, conflicting)
	require.Equal(t, http.StatusConflict, rec.Code, "reusing a key with a different body must conflict")
}

// TestManualReviewOnRunFailed is the "Manual review" scenario: a failed run
// leaves its settlement locked pending an operator's explicit resolution.
func TestManualReviewOnRunFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	registerAgentAndCredit(t, handler, "payer", 5000)
	registerAgentAndCredit(t, handler, "payee", 0)

	rec := do(t, handler, http.MethodPost, "/agents/payer/runs", map[string]any{
		"runId": "run_1",
		"settlement": map[string]any{
			"payerAgentId": "payer", "payeeAgentId": "payee",
			"amountCents": 2000, "currency": "USD",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/agents/payer/runs/run_1/events", map[string]any{
		"type": "RUN_FAILED", "actor": "payee", "payload": map[string]any{"reason": "timeout"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/runs/run_1/settlement", nil)
	var settlement store.Settlement
	decodeBody(t, rec, &settlement)
	require.Equal(t, store.SettlementLocked, settlement.Status)
	require.Equal(t, store.DecisionManualReviewRequired, settlement.DecisionStatus)

	rec = do(t, handler, http.MethodPost, "/runs/run_1/settlement/resolve", map[string]any{
		"releaseRatePct": 50, "reasonCode": "OPERATOR_SPLIT_ON_PARTIAL_DELIVERY",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &settlement)
	require.Equal(t, store.SettlementSplit, settlement.Status)
	require.Equal(t, store.DecisionManualResolved, settlement.DecisionStatus)
	require.Equal(t, int64(1000), settlement.ReleasedAmountCents)
	require.Equal(t, int64(1000), settlement.RefundedAmountCents)

	rec = do(t, handler, http.MethodPost, "/runs/run_1/settlement/resolve", map[string]any{"releaseRatePct": 100})
	require.Equal(t, http.StatusConflict, rec.Code, "a resolved settlement must never resolve twice")
}

// TestDisputeEscalationOverTimeout is the "Dispute escalation" scenario: a
// dispute left untouched past its per-level timeout escalates through
// counterparty -> arbiter -> platform, and closing it with a verdict moves
// exactly the delta the verdict calls for.
func TestDisputeEscalationOverTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	registerAgentAndCredit(t, handler, "payer", 5000)
	registerAgentAndCredit(t, handler, "payee", 0)

	rec := do(t, handler, http.MethodPost, "/agents/payer/runs", map[string]any{
		"runId": "run_1",
		"settlement": map[string]any{
			"payerAgentId": "payer", "payeeAgentId": "payee",
			"amountCents": 4000, "currency": "USD",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, handler, http.MethodPost, "/agents/payer/runs/run_1/events", map[string]any{
		"type": "RUN_COMPLETED", "actor": "payee", "payload": map[string]any{},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The run auto-released in full; open a dispute against the result.
	rec = do(t, handler, http.MethodPost, "/runs/run_1/dispute/open", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var settlement store.Settlement
	decodeBody(t, rec, &settlement)
	require.Equal(t, store.DisputeOpen, settlement.DisputeStatus)
	disputeID := settlement.DisputeID

	// Leaving the dispute untouched past the escalation timeout is a
	// scheduler concern (internal/scheduler.Scheduler.Tick), not
	// spec.md-mandated HTTP surface, so drive it the way the autotick loop
	// would: directly against the same store the HTTP layer just wrote to.
	backend := server.Store
	stored, err := backend.GetSettlementByRun(context.Background(), testTenant, "run_1")
	require.NoError(t, err)
	stale := *stored
	stale.UpdatedAt = now.Add(-100 * time.Hour)
	require.NoError(t, backend.PutSettlement(context.Background(), &stale))
	require.NoError(t, backend.PutTenant(context.Background(), &store.Tenant{TenantID: testTenant, Name: testTenant, Status: "active", CreatedAt: now}))

	laterNow := now.Add(100 * time.Hour)
	sched := &scheduler.Scheduler{Store: backend, StaticTenants: []string{testTenant}, Now: func() time.Time { return laterNow }}
	sched.Tick(context.Background())

	rec = do(t, handler, http.MethodGet, "/runs/run_1/settlement", nil)
	decodeBody(t, rec, &settlement)
	require.Equal(t, store.DisputeEscalated, settlement.DisputeStatus)
	require.Equal(t, string(disputes.LevelCounterparty), settlement.EscalationLevel)

	rec = do(t, handler, http.MethodPost, "/runs/run_1/dispute/close", map[string]any{
		"disputeId": disputeID, "outcome": "partial", "releaseRatePct": 25, "verdictHash": "vh_1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var closed struct {
		Settlement store.Settlement `json:"settlement"`
	}
	decodeBody(t, rec, &closed)
	require.Equal(t, store.DisputeClosed, closed.Settlement.DisputeStatus)
	require.Equal(t, int64(1000), closed.Settlement.ReleasedAmountCents)
	require.Equal(t, int64(3000), closed.Settlement.RefundedAmountCents)

	rec = do(t, handler, http.MethodGet, "/agents/payer/wallet", nil)
	var payerWallet store.AgentWallet
	decodeBody(t, rec, &payerWallet)
	require.Equal(t, int64(4000), payerWallet.AvailableCents, "the verdict clawed 3000 back from the provisional full release")
}

// TestReceiverTamperDetectedByWebhookVerify is the "Receiver tamper"
// scenario: an outbound webhook delivery signed by internal/outbox is
// accepted by internal/webhookverify, but any tampering with the body in
// transit is caught, never silently accepted.
func TestReceiverTamperDetectedByWebhookVerify(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	backend := memstore.New()

	var received []byte
	var sigHeader, tsHeader string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get("x-settld-signature")
		tsHeader = r.Header.Get("x-settld-timestamp")
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	const secret = "whsec_test"
	worker := &outbox.Worker{
		Store: backend,
		Registry: staticDestRegistry{dests: []outbox.Destination{
			{ID: "dest_1", URL: receiver.URL, Secret: secret},
		}},
		HTTPClient: receiver.Client(),
		Now:        func() time.Time { return now },
	}

	_, err := backend.EnqueueOutbox(context.Background(), &store.OutboxMessage{
		TenantID: testTenant, Topic: "settlement.released", AggregateType: "settlement", AggregateID: "stl_1",
		Payload: map[string]any{"settlementId": "stl_1", "amountCents": float64(1250)},
	})
	require.NoError(t, err)
	_, err = worker.Pump(context.Background(), testTenant, 10)
	require.NoError(t, err)
	require.NotEmpty(t, received)

	err = webhookverify.Verify(secret, sigHeader, tsHeader, received, now, webhookverify.DefaultTolerance)
	require.NoError(t, err, "the receiver must accept a delivery it received untouched")

	tampered := bytes.Replace(append([]byte(nil), received...), []byte("1250"), []byte("999999"), 1)
	err = webhookverify.Verify(secret, sigHeader, tsHeader, tampered, now, webhookverify.DefaultTolerance)
	require.ErrorIs(t, err, webhookverify.ErrSignatureNoMatch, "a tampered payload must never verify")
}

// TestKeyRotationPublishesNewActiveKeyKeepsOldVerifying is the "Key
// rotation" scenario: rotating a tenant's signer-key ring mints a new
// active key while the previous one is still published so in-flight
// verification against artifacts it signed keeps working.
func TestKeyRotationPublishesNewActiveKeyKeepsOldVerifying(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(now)
	handler := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/settld-keys.json", nil)
	req.Header.Set(httpapi.TenantHeader, testTenant)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var before keyset.PublishedResponse
	decodeBody(t, rec, &before)
	require.NotEmpty(t, before.Keys, "a first fetch must lazily bootstrap a ring")
	firstActiveKid := before.Keys[0].Kid

	rec = do(t, handler, http.MethodPost, "/ops/keyset/rotate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var after keyset.PublishedResponse
	decodeBody(t, rec, &after)
	require.NotEqual(t, firstActiveKid, after.Keys[0].Kid, "rotation must mint a fresh active key")

	var foundPrevious bool
	for _, k := range after.Keys[1:] {
		if k.Kid == firstActiveKid {
			foundPrevious = true
			require.Equal(t, string(store.KeyPrevious), k.Status)
		}
	}
	require.True(t, foundPrevious, "the pre-rotation active key must still be published for verification")

	req = httptest.NewRequest(http.MethodGet, "/.well-known/settld-keys.json", nil)
	req.Header.Set(httpapi.TenantHeader, testTenant)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var refetched keyset.PublishedResponse
	decodeBody(t, rec, &refetched)
	require.Equal(t, after.Keys[0].Kid, refetched.Keys[0].Kid)

	noTokenReq := httptest.NewRequest(http.MethodPost, "/ops/keyset/rotate", nil)
	noTokenReq.Header.Set(httpapi.TenantHeader, testTenant)
	noTokenRec := httptest.NewRecorder()
	handler.ServeHTTP(noTokenRec, noTokenReq)
	require.Equal(t, http.StatusUnauthorized, noTokenRec.Code, "rotation without any credential must be rejected before the ops-token check even runs")
}

type staticDestRegistry struct {
	dests []outbox.Destination
}

func (r staticDestRegistry) DestinationsFor(_ context.Context, _, _ string) ([]outbox.Destination, error) {
	return r.dests, nil
}
