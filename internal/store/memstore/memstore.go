// Package memstore is the in-memory Store back-end (spec.md §4.C). It is
// stateless across processes and needs no migrations; it exists for tests
// and single-process deployments, grounded on the teacher's
// internal/escrow/gate.go map+mutex idiom, generalized to every aggregate
// family named in spec.md §3.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/store"
)

type key struct {
	tenant string
	id     string
}

// MemStore implements store.Store entirely in process memory.
type MemStore struct {
	mu sync.Mutex

	tenants  map[string]*store.Tenant
	apiKeys  map[string]*store.APIKey // keyed by KeyID, not tenant-scoped key
	agents   map[key]*store.AgentIdentity
	wallets  map[key]*store.AgentWallet
	grants   map[key]*store.Grant
	grantsByHash map[key]*store.Grant
	runs     map[key]*store.Run
	runEvents map[key][]*chain.Event

	settlementsByID  map[key]*store.Settlement
	settlementsByRun map[key]*store.Settlement

	agreements map[key]*store.ToolCallAgreement
	evidence   map[key]*store.ToolCallEvidence
	holds      map[key]*store.FundingHold
	cases      map[key]*store.ArbitrationCase

	agentCards map[key]*store.AgentCard

	sessions     map[key]*store.Session
	sessionEvents map[key][]*chain.Event

	workOrders map[key]*store.WorkOrder
	receipts   map[key]*store.CompletionReceipt

	attestations map[key]*store.Attestation

	outbox       map[string]map[int64]*store.OutboxMessage
	outboxSeq    int64
	deliveries   map[key]*store.DeliveryRecord

	idempotency map[key]*store.IdempotencyRecord

	keysets map[string]*store.KeysetStore
}

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		tenants:          map[string]*store.Tenant{},
		apiKeys:          map[string]*store.APIKey{},
		agents:           map[key]*store.AgentIdentity{},
		wallets:          map[key]*store.AgentWallet{},
		grants:           map[key]*store.Grant{},
		grantsByHash:     map[key]*store.Grant{},
		runs:             map[key]*store.Run{},
		runEvents:        map[key][]*chain.Event{},
		settlementsByID:  map[key]*store.Settlement{},
		settlementsByRun: map[key]*store.Settlement{},
		agreements:       map[key]*store.ToolCallAgreement{},
		evidence:         map[key]*store.ToolCallEvidence{},
		holds:            map[key]*store.FundingHold{},
		cases:            map[key]*store.ArbitrationCase{},
		agentCards:       map[key]*store.AgentCard{},
		sessions:         map[key]*store.Session{},
		sessionEvents:    map[key][]*chain.Event{},
		workOrders:       map[key]*store.WorkOrder{},
		receipts:         map[key]*store.CompletionReceipt{},
		attestations:     map[key]*store.Attestation{},
		outbox:           map[string]map[int64]*store.OutboxMessage{},
		deliveries:       map[key]*store.DeliveryRecord{},
		idempotency:      map[key]*store.IdempotencyRecord{},
		keysets:          map[string]*store.KeysetStore{},
	}
}

// handle adapts MemStore's unlocked core logic to the store.Store interface.
// Public entry points take the lock then delegate here; Transaction takes
// the lock once and hands fn a handle directly, so nested calls never
// re-lock a non-reentrant mutex.
type handle struct{ s *MemStore }

func (m *MemStore) locked() *handle { return &handle{s: m} }

// --- Public Store façade: lock, delegate, unlock ---

func (m *MemStore) PutTenant(ctx context.Context, t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutTenant(ctx, t)
}
func (m *MemStore) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetTenant(ctx, id)
}

// ListTenantIDs is not part of store.Store — it backs internal/scheduler's
// cross-tenant tick, which needs to enumerate every tenant without the
// caller pre-supplying a static list.
func (m *MemStore) ListTenantIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
func (m *MemStore) PutAPIKey(ctx context.Context, k *store.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutAPIKey(ctx, k)
}
func (m *MemStore) GetAPIKey(ctx context.Context, keyID string) (*store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetAPIKey(ctx, keyID)
}
func (m *MemStore) PutAgent(ctx context.Context, a *store.AgentIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutAgent(ctx, a)
}
func (m *MemStore) GetAgent(ctx context.Context, tenantID, agentID string) (*store.AgentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetAgent(ctx, tenantID, agentID)
}
func (m *MemStore) ListAgents(ctx context.Context, tenantID string) ([]*store.AgentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListAgents(ctx, tenantID)
}
func (m *MemStore) PutWallet(ctx context.Context, w *store.AgentWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutWallet(ctx, w)
}
func (m *MemStore) GetWallet(ctx context.Context, tenantID, agentID string) (*store.AgentWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetWallet(ctx, tenantID, agentID)
}
func (m *MemStore) PutGrant(ctx context.Context, g *store.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutGrant(ctx, g)
}
func (m *MemStore) GetGrant(ctx context.Context, tenantID, grantID string) (*store.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetGrant(ctx, tenantID, grantID)
}
func (m *MemStore) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*store.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetGrantByHash(ctx, tenantID, grantHash)
}
func (m *MemStore) ListGrants(ctx context.Context, tenantID string, filter store.GrantFilter) ([]*store.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListGrants(ctx, tenantID, filter)
}
func (m *MemStore) PutRun(ctx context.Context, r *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutRun(ctx, r)
}
func (m *MemStore) GetRun(ctx context.Context, tenantID, runID string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetRun(ctx, tenantID, runID)
}
func (m *MemStore) ListRuns(ctx context.Context, tenantID, agentID string) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListRuns(ctx, tenantID, agentID)
}
func (m *MemStore) AppendRunEvent(ctx context.Context, tenantID, runID string, event *chain.Event, expectedPrevChainHash string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().AppendRunEvent(ctx, tenantID, runID, event, expectedPrevChainHash)
}
func (m *MemStore) ListRunEvents(ctx context.Context, tenantID, runID string) ([]*chain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListRunEvents(ctx, tenantID, runID)
}
func (m *MemStore) PutSettlement(ctx context.Context, s *store.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutSettlement(ctx, s)
}
func (m *MemStore) GetSettlement(ctx context.Context, tenantID, id string) (*store.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetSettlement(ctx, tenantID, id)
}
func (m *MemStore) GetSettlementByRun(ctx context.Context, tenantID, runID string) (*store.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetSettlementByRun(ctx, tenantID, runID)
}
func (m *MemStore) PutAgreement(ctx context.Context, a *store.ToolCallAgreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutAgreement(ctx, a)
}
func (m *MemStore) GetAgreement(ctx context.Context, tenantID, hash string) (*store.ToolCallAgreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetAgreement(ctx, tenantID, hash)
}
func (m *MemStore) PutEvidence(ctx context.Context, e *store.ToolCallEvidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutEvidence(ctx, e)
}
func (m *MemStore) GetEvidence(ctx context.Context, tenantID, hash string) (*store.ToolCallEvidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetEvidence(ctx, tenantID, hash)
}
func (m *MemStore) PutHold(ctx context.Context, h *store.FundingHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutHold(ctx, h)
}
func (m *MemStore) GetHold(ctx context.Context, tenantID, hash string) (*store.FundingHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetHold(ctx, tenantID, hash)
}
func (m *MemStore) ListHolds(ctx context.Context, tenantID string, state store.FundingHoldState) ([]*store.FundingHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListHolds(ctx, tenantID, state)
}
func (m *MemStore) PutArbitrationCase(ctx context.Context, c *store.ArbitrationCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutArbitrationCase(ctx, c)
}
func (m *MemStore) GetArbitrationCase(ctx context.Context, tenantID, id string) (*store.ArbitrationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetArbitrationCase(ctx, tenantID, id)
}
func (m *MemStore) PutAgentCard(ctx context.Context, c *store.AgentCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutAgentCard(ctx, c)
}
func (m *MemStore) ListAgentCards(ctx context.Context, tenantID string) ([]*store.AgentCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListAgentCards(ctx, tenantID)
}
func (m *MemStore) PutSession(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutSession(ctx, s)
}
func (m *MemStore) GetSession(ctx context.Context, tenantID, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetSession(ctx, tenantID, id)
}
func (m *MemStore) AppendSessionEvent(ctx context.Context, tenantID, sessionID string, event *chain.Event, expectedPrevChainHash string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().AppendSessionEvent(ctx, tenantID, sessionID, event, expectedPrevChainHash)
}
func (m *MemStore) ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*chain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListSessionEvents(ctx, tenantID, sessionID)
}
func (m *MemStore) PutWorkOrder(ctx context.Context, w *store.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutWorkOrder(ctx, w)
}
func (m *MemStore) GetWorkOrder(ctx context.Context, tenantID, id string) (*store.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetWorkOrder(ctx, tenantID, id)
}
func (m *MemStore) ListWorkOrders(ctx context.Context, tenantID string) ([]*store.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListWorkOrders(ctx, tenantID)
}
func (m *MemStore) PutReceipt(ctx context.Context, r *store.CompletionReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutReceipt(ctx, r)
}
func (m *MemStore) GetReceipt(ctx context.Context, tenantID, workOrderID string) (*store.CompletionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetReceipt(ctx, tenantID, workOrderID)
}
func (m *MemStore) PutAttestation(ctx context.Context, a *store.Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutAttestation(ctx, a)
}
func (m *MemStore) GetAttestation(ctx context.Context, tenantID, id string) (*store.Attestation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetAttestation(ctx, tenantID, id)
}
func (m *MemStore) EnqueueOutbox(ctx context.Context, msg *store.OutboxMessage) (*store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().EnqueueOutbox(ctx, msg)
}
func (m *MemStore) ClaimPendingOutbox(ctx context.Context, tenantID string, limit int) ([]*store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ClaimPendingOutbox(ctx, tenantID, limit)
}
func (m *MemStore) MarkOutboxProcessed(ctx context.Context, tenantID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().MarkOutboxProcessed(ctx, tenantID, id)
}
func (m *MemStore) MarkOutboxRetry(ctx context.Context, tenantID string, id int64, lastError string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().MarkOutboxRetry(ctx, tenantID, id, lastError, nextAttemptAt)
}
func (m *MemStore) MarkOutboxDLQ(ctx context.Context, tenantID string, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().MarkOutboxDLQ(ctx, tenantID, id, lastError)
}
func (m *MemStore) ListOutbox(ctx context.Context, tenantID string, filter store.OutboxFilter) ([]*store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListOutbox(ctx, tenantID, filter)
}
func (m *MemStore) PutDelivery(ctx context.Context, d *store.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutDelivery(ctx, d)
}
func (m *MemStore) GetDelivery(ctx context.Context, tenantID, id string) (*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetDelivery(ctx, tenantID, id)
}
func (m *MemStore) ListDeliveries(ctx context.Context, tenantID string, state store.DeliveryState) ([]*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().ListDeliveries(ctx, tenantID, state)
}
func (m *MemStore) GetIdempotency(ctx context.Context, tenantID, k string) (*store.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetIdempotency(ctx, tenantID, k)
}
func (m *MemStore) PutIdempotency(ctx context.Context, rec *store.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutIdempotency(ctx, rec)
}
func (m *MemStore) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().DeleteExpiredIdempotency(ctx, now)
}
func (m *MemStore) GetKeyset(ctx context.Context, tenantID string) (*store.KeysetStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().GetKeyset(ctx, tenantID)
}
func (m *MemStore) PutKeyset(ctx context.Context, k *store.KeysetStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked().PutKeyset(ctx, k)
}

func (m *MemStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m.locked())
}

func (m *MemStore) RawSQL(ctx context.Context, query string, args ...any) error {
	return store.ErrRawSQLUnsupported
}

// --- handle: same method set, assumes the lock is already held ---

func (h *handle) PutTenant(_ context.Context, t *store.Tenant) error {
	cp := *t
	h.s.tenants[t.TenantID] = &cp
	return nil
}
func (h *handle) GetTenant(_ context.Context, id string) (*store.Tenant, error) {
	t, ok := h.s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}
func (h *handle) PutAPIKey(_ context.Context, k *store.APIKey) error {
	cp := *k
	h.s.apiKeys[k.KeyID] = &cp
	return nil
}
func (h *handle) GetAPIKey(_ context.Context, keyID string) (*store.APIKey, error) {
	k, ok := h.s.apiKeys[keyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}
func (h *handle) PutAgent(_ context.Context, a *store.AgentIdentity) error {
	cp := *a
	h.s.agents[key{a.TenantID, a.AgentID}] = &cp
	return nil
}
func (h *handle) GetAgent(_ context.Context, tenantID, agentID string) (*store.AgentIdentity, error) {
	a, ok := h.s.agents[key{tenantID, agentID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
func (h *handle) ListAgents(_ context.Context, tenantID string) ([]*store.AgentIdentity, error) {
	out := make([]*store.AgentIdentity, 0)
	for k, v := range h.s.agents {
		if k.tenant == tenantID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
func (h *handle) PutWallet(_ context.Context, w *store.AgentWallet) error {
	cp := *w
	h.s.wallets[key{w.TenantID, w.AgentID}] = &cp
	return nil
}
func (h *handle) GetWallet(_ context.Context, tenantID, agentID string) (*store.AgentWallet, error) {
	w, ok := h.s.wallets[key{tenantID, agentID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}
func (h *handle) PutGrant(_ context.Context, g *store.Grant) error {
	cp := *g
	h.s.grants[key{g.TenantID, g.GrantID}] = &cp
	h.s.grantsByHash[key{g.TenantID, g.GrantHash}] = &cp
	return nil
}
func (h *handle) GetGrant(_ context.Context, tenantID, grantID string) (*store.Grant, error) {
	g, ok := h.s.grants[key{tenantID, grantID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}
func (h *handle) GetGrantByHash(_ context.Context, tenantID, grantHash string) (*store.Grant, error) {
	g, ok := h.s.grantsByHash[key{tenantID, grantHash}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}
func (h *handle) ListGrants(_ context.Context, tenantID string, filter store.GrantFilter) ([]*store.Grant, error) {
	out := make([]*store.Grant, 0)
	for k, v := range h.s.grants {
		if k.tenant != tenantID {
			continue
		}
		if filter.Kind != "" && v.Kind != filter.Kind {
			continue
		}
		if filter.GranteeID != "" && v.GranteeID != filter.GranteeID {
			continue
		}
		if filter.GrantorID != "" && v.GrantorID != filter.GrantorID {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantID < out[j].GrantID })
	return out, nil
}
func (h *handle) PutRun(_ context.Context, r *store.Run) error {
	cp := *r
	h.s.runs[key{r.TenantID, r.RunID}] = &cp
	return nil
}
func (h *handle) GetRun(_ context.Context, tenantID, runID string) (*store.Run, error) {
	r, ok := h.s.runs[key{tenantID, runID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}
func (h *handle) ListRuns(_ context.Context, tenantID, agentID string) ([]*store.Run, error) {
	out := make([]*store.Run, 0)
	for k, v := range h.s.runs {
		if k.tenant != tenantID {
			continue
		}
		if agentID != "" && v.AgentID != agentID {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
func (h *handle) AppendRunEvent(_ context.Context, tenantID, runID string, event *chain.Event, expectedPrevChainHash string) (*store.Run, error) {
	k := key{tenantID, runID}
	run, ok := h.s.runs[k]
	if !ok {
		return nil, store.ErrNotFound
	}
	if run.LastChainHash != expectedPrevChainHash {
		return nil, chain.ErrChainHashMismatch
	}
	evCopy := *event
	h.s.runEvents[k] = append(h.s.runEvents[k], &evCopy)
	runCopy := *run
	runCopy.LastChainHash = event.ChainHash
	runCopy.UpdatedAt = event.At
	h.s.runs[k] = &runCopy
	out := runCopy
	return &out, nil
}
func (h *handle) ListRunEvents(_ context.Context, tenantID, runID string) ([]*chain.Event, error) {
	evs := h.s.runEvents[key{tenantID, runID}]
	out := make([]*chain.Event, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
func (h *handle) PutSettlement(_ context.Context, s *store.Settlement) error {
	cp := *s
	h.s.settlementsByID[key{s.TenantID, s.SettlementID}] = &cp
	h.s.settlementsByRun[key{s.TenantID, s.RunID}] = &cp
	return nil
}
func (h *handle) GetSettlement(_ context.Context, tenantID, id string) (*store.Settlement, error) {
	s, ok := h.s.settlementsByID[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}
func (h *handle) GetSettlementByRun(_ context.Context, tenantID, runID string) (*store.Settlement, error) {
	s, ok := h.s.settlementsByRun[key{tenantID, runID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}
func (h *handle) PutAgreement(_ context.Context, a *store.ToolCallAgreement) error {
	cp := *a
	h.s.agreements[key{a.TenantID, a.AgreementHash}] = &cp
	return nil
}
func (h *handle) GetAgreement(_ context.Context, tenantID, hash string) (*store.ToolCallAgreement, error) {
	a, ok := h.s.agreements[key{tenantID, hash}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
func (h *handle) PutEvidence(_ context.Context, e *store.ToolCallEvidence) error {
	cp := *e
	h.s.evidence[key{e.TenantID, e.EvidenceHash}] = &cp
	return nil
}
func (h *handle) GetEvidence(_ context.Context, tenantID, hash string) (*store.ToolCallEvidence, error) {
	e, ok := h.s.evidence[key{tenantID, hash}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}
func (h *handle) PutHold(_ context.Context, hd *store.FundingHold) error {
	cp := *hd
	h.s.holds[key{hd.TenantID, hd.HoldHash}] = &cp
	return nil
}
func (h *handle) GetHold(_ context.Context, tenantID, hash string) (*store.FundingHold, error) {
	hd, ok := h.s.holds[key{tenantID, hash}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *hd
	return &cp, nil
}
func (h *handle) ListHolds(_ context.Context, tenantID string, state store.FundingHoldState) ([]*store.FundingHold, error) {
	out := make([]*store.FundingHold, 0)
	for k, v := range h.s.holds {
		if k.tenant != tenantID {
			continue
		}
		if state != "" && v.State != state {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
func (h *handle) PutArbitrationCase(_ context.Context, c *store.ArbitrationCase) error {
	cp := *c
	h.s.cases[key{c.TenantID, c.CaseID}] = &cp
	return nil
}
func (h *handle) GetArbitrationCase(_ context.Context, tenantID, id string) (*store.ArbitrationCase, error) {
	c, ok := h.s.cases[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (h *handle) PutAgentCard(_ context.Context, c *store.AgentCard) error {
	cp := *c
	h.s.agentCards[key{c.TenantID, c.AgentID}] = &cp
	return nil
}
func (h *handle) ListAgentCards(_ context.Context, tenantID string) ([]*store.AgentCard, error) {
	out := make([]*store.AgentCard, 0)
	for k, v := range h.s.agentCards {
		if k.tenant == tenantID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
func (h *handle) PutSession(_ context.Context, s *store.Session) error {
	cp := *s
	h.s.sessions[key{s.TenantID, s.SessionID}] = &cp
	return nil
}
func (h *handle) GetSession(_ context.Context, tenantID, id string) (*store.Session, error) {
	s, ok := h.s.sessions[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}
func (h *handle) AppendSessionEvent(_ context.Context, tenantID, sessionID string, event *chain.Event, expectedPrevChainHash string) (*store.Session, error) {
	k := key{tenantID, sessionID}
	s, ok := h.s.sessions[k]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.LastChainHash != expectedPrevChainHash {
		return nil, chain.ErrChainHashMismatch
	}
	evCopy := *event
	h.s.sessionEvents[k] = append(h.s.sessionEvents[k], &evCopy)
	sCopy := *s
	sCopy.LastChainHash = event.ChainHash
	sCopy.UpdatedAt = event.At
	h.s.sessions[k] = &sCopy
	out := sCopy
	return &out, nil
}
func (h *handle) ListSessionEvents(_ context.Context, tenantID, sessionID string) ([]*chain.Event, error) {
	evs := h.s.sessionEvents[key{tenantID, sessionID}]
	out := make([]*chain.Event, len(evs))
	for i, e := range evs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
func (h *handle) PutWorkOrder(_ context.Context, w *store.WorkOrder) error {
	cp := *w
	h.s.workOrders[key{w.TenantID, w.WorkOrderID}] = &cp
	return nil
}
func (h *handle) GetWorkOrder(_ context.Context, tenantID, id string) (*store.WorkOrder, error) {
	w, ok := h.s.workOrders[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}
func (h *handle) ListWorkOrders(_ context.Context, tenantID string) ([]*store.WorkOrder, error) {
	out := make([]*store.WorkOrder, 0)
	for k, v := range h.s.workOrders {
		if k.tenant == tenantID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
func (h *handle) PutReceipt(_ context.Context, r *store.CompletionReceipt) error {
	cp := *r
	h.s.receipts[key{r.TenantID, r.WorkOrderID}] = &cp
	return nil
}
func (h *handle) GetReceipt(_ context.Context, tenantID, workOrderID string) (*store.CompletionReceipt, error) {
	r, ok := h.s.receipts[key{tenantID, workOrderID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}
func (h *handle) PutAttestation(_ context.Context, a *store.Attestation) error {
	cp := *a
	h.s.attestations[key{a.TenantID, a.AttestationID}] = &cp
	return nil
}
func (h *handle) GetAttestation(_ context.Context, tenantID, id string) (*store.Attestation, error) {
	a, ok := h.s.attestations[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
func (h *handle) EnqueueOutbox(_ context.Context, msg *store.OutboxMessage) (*store.OutboxMessage, error) {
	h.s.outboxSeq++
	cp := *msg
	cp.ID = h.s.outboxSeq
	if cp.State == "" {
		cp.State = store.OutboxPending
	}
	if h.s.outbox[msg.TenantID] == nil {
		h.s.outbox[msg.TenantID] = map[int64]*store.OutboxMessage{}
	}
	h.s.outbox[msg.TenantID][cp.ID] = &cp
	out := cp
	return &out, nil
}
func (h *handle) ClaimPendingOutbox(_ context.Context, tenantID string, limit int) ([]*store.OutboxMessage, error) {
	bucket := h.s.outbox[tenantID]
	out := make([]*store.OutboxMessage, 0, limit)
	ids := make([]int64, 0, len(bucket))
	for id, m := range bucket {
		if m.State == store.OutboxPending && !m.NextAttemptAt.After(timeNow()) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		cp := *bucket[id]
		out = append(out, &cp)
	}
	return out, nil
}
func (h *handle) MarkOutboxProcessed(_ context.Context, tenantID string, id int64) error {
	bucket := h.s.outbox[tenantID]
	m, ok := bucket[id]
	if !ok {
		return store.ErrNotFound
	}
	now := timeNow()
	m.State = store.OutboxProcessed
	m.ProcessedAt = &now
	return nil
}
func (h *handle) MarkOutboxRetry(_ context.Context, tenantID string, id int64, lastError string, nextAttemptAt time.Time) error {
	bucket := h.s.outbox[tenantID]
	m, ok := bucket[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Attempt++
	m.LastError = lastError
	m.NextAttemptAt = nextAttemptAt
	return nil
}
func (h *handle) MarkOutboxDLQ(_ context.Context, tenantID string, id int64, lastError string) error {
	bucket := h.s.outbox[tenantID]
	m, ok := bucket[id]
	if !ok {
		return store.ErrNotFound
	}
	m.State = store.OutboxDLQ
	m.LastError = lastError
	return nil
}
func (h *handle) ListOutbox(_ context.Context, tenantID string, filter store.OutboxFilter) ([]*store.OutboxMessage, error) {
	bucket := h.s.outbox[tenantID]
	out := make([]*store.OutboxMessage, 0, len(bucket))
	for _, m := range bucket {
		if filter.State != "" && m.State != filter.State {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (h *handle) PutDelivery(_ context.Context, d *store.DeliveryRecord) error {
	cp := *d
	h.s.deliveries[key{d.TenantID, d.DeliveryID}] = &cp
	return nil
}
func (h *handle) GetDelivery(_ context.Context, tenantID, id string) (*store.DeliveryRecord, error) {
	d, ok := h.s.deliveries[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (h *handle) ListDeliveries(_ context.Context, tenantID string, state store.DeliveryState) ([]*store.DeliveryRecord, error) {
	out := make([]*store.DeliveryRecord, 0)
	for k, v := range h.s.deliveries {
		if k.tenant != tenantID {
			continue
		}
		if state != "" && v.State != state {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
func (h *handle) GetIdempotency(_ context.Context, tenantID, k string) (*store.IdempotencyRecord, error) {
	rec, ok := h.s.idempotency[key{tenantID, k}]
	if !ok {
		return nil, store.ErrNotFound
	}
	if timeNow().After(rec.CreatedAt.Add(rec.TTL)) {
		delete(h.s.idempotency, key{tenantID, k})
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
func (h *handle) PutIdempotency(_ context.Context, rec *store.IdempotencyRecord) error {
	cp := *rec
	h.s.idempotency[key{rec.TenantID, rec.Key}] = &cp
	return nil
}
func (h *handle) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, v := range h.s.idempotency {
		if now.After(v.CreatedAt.Add(v.TTL)) {
			delete(h.s.idempotency, k)
			n++
		}
	}
	return n, nil
}
func (h *handle) GetKeyset(_ context.Context, tenantID string) (*store.KeysetStore, error) {
	k, ok := h.s.keysets[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}
func (h *handle) PutKeyset(_ context.Context, k *store.KeysetStore) error {
	cp := *k
	h.s.keysets[k.TenantID] = &cp
	return nil
}
func (h *handle) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	// Already inside the outer MemStore's critical section (Transaction is
	// only reachable that way); run fn directly against this same handle.
	return fn(ctx, h)
}
func (h *handle) RawSQL(ctx context.Context, query string, args ...any) error {
	return store.ErrRawSQLUnsupported
}

// timeNow is indirected so tests could swap it in principle; production
// code always wants wall-clock time here, unlike the clock threaded through
// engines for business timestamps (spec.md §9 "global singletons").
var timeNow = time.Now
