package store

import (
	"context"
	"time"
)

// GrantFilter narrows ListGrants queries.
type GrantFilter struct {
	Kind      GrantKind // empty = any
	GranteeID string    // empty = any
	GrantorID string    // empty = any
}

// OutboxFilter narrows outbox listing for ops inspection (GET /ops/deliveries).
type OutboxFilter struct {
	State OutboxState // empty = any
}

// Store is the tenant-scoped persistence contract (spec.md §4.C). Every
// method is namespaced by tenantID; cross-tenant reads fail closed with
// ErrNotFound rather than leaking existence.
//
// Store implementations must be safe for concurrent use. Transaction gives
// callers an atomic multi-aggregate write envelope; nested calls to
// Transaction on the same Store value are not supported.
type Store interface {
	// Tenants & API keys
	PutTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	PutAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)

	// Agent identities
	PutAgent(ctx context.Context, a *AgentIdentity) error
	GetAgent(ctx context.Context, tenantID, agentID string) (*AgentIdentity, error)
	ListAgents(ctx context.Context, tenantID string) ([]*AgentIdentity, error)

	// Wallets
	PutWallet(ctx context.Context, w *AgentWallet) error
	GetWallet(ctx context.Context, tenantID, agentID string) (*AgentWallet, error)

	// Authority/delegation grants
	PutGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error)
	GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*Grant, error)
	ListGrants(ctx context.Context, tenantID string, filter GrantFilter) ([]*Grant, error)

	// Runs and their hash-chained events
	PutRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)
	ListRuns(ctx context.Context, tenantID, agentID string) ([]*Run, error)
	// AppendRunEvent enforces expectedPrevChainHash against the run's current
	// lastChainHash; on success it updates run.lastChainHash atomically with
	// the event insert (spec.md §4.B, §8 invariant 3).
	AppendRunEvent(ctx context.Context, tenantID, runID string, event *StoredEvent, expectedPrevChainHash string) (*Run, error)
	ListRunEvents(ctx context.Context, tenantID, runID string) ([]*StoredEvent, error)

	// Settlements
	PutSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, tenantID, settlementID string) (*Settlement, error)
	GetSettlementByRun(ctx context.Context, tenantID, runID string) (*Settlement, error)

	// Tool-call kernel artifacts
	PutAgreement(ctx context.Context, a *ToolCallAgreement) error
	GetAgreement(ctx context.Context, tenantID, agreementHash string) (*ToolCallAgreement, error)
	PutEvidence(ctx context.Context, e *ToolCallEvidence) error
	GetEvidence(ctx context.Context, tenantID, evidenceHash string) (*ToolCallEvidence, error)
	PutHold(ctx context.Context, h *FundingHold) error
	GetHold(ctx context.Context, tenantID, holdHash string) (*FundingHold, error)
	ListHolds(ctx context.Context, tenantID string, state FundingHoldState) ([]*FundingHold, error)
	PutArbitrationCase(ctx context.Context, c *ArbitrationCase) error
	GetArbitrationCase(ctx context.Context, tenantID, caseID string) (*ArbitrationCase, error)

	// Agent cards (public projection)
	PutAgentCard(ctx context.Context, c *AgentCard) error
	ListAgentCards(ctx context.Context, tenantID string) ([]*AgentCard, error)

	// Sessions (general-purpose chained stream, parallel to Runs)
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	AppendSessionEvent(ctx context.Context, tenantID, sessionID string, event *StoredEvent, expectedPrevChainHash string) (*Session, error)
	ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*StoredEvent, error)

	// Work orders
	PutWorkOrder(ctx context.Context, w *WorkOrder) error
	GetWorkOrder(ctx context.Context, tenantID, workOrderID string) (*WorkOrder, error)
	ListWorkOrders(ctx context.Context, tenantID string) ([]*WorkOrder, error)
	PutReceipt(ctx context.Context, r *CompletionReceipt) error
	GetReceipt(ctx context.Context, tenantID, workOrderID string) (*CompletionReceipt, error)

	// Attestations
	PutAttestation(ctx context.Context, a *Attestation) error
	GetAttestation(ctx context.Context, tenantID, attestationID string) (*Attestation, error)

	// Outbox + delivery
	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) (*OutboxMessage, error)
	ClaimPendingOutbox(ctx context.Context, tenantID string, limit int) ([]*OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, tenantID string, id int64) error
	MarkOutboxRetry(ctx context.Context, tenantID string, id int64, lastError string, nextAttemptAt time.Time) error
	MarkOutboxDLQ(ctx context.Context, tenantID string, id int64, lastError string) error
	ListOutbox(ctx context.Context, tenantID string, filter OutboxFilter) ([]*OutboxMessage, error)

	PutDelivery(ctx context.Context, d *DeliveryRecord) error
	GetDelivery(ctx context.Context, tenantID, deliveryID string) (*DeliveryRecord, error)
	ListDeliveries(ctx context.Context, tenantID string, state DeliveryState) ([]*DeliveryRecord, error)

	// Idempotency
	GetIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error)

	// Signer-key ring / keyset rotation
	GetKeyset(ctx context.Context, tenantID string) (*KeysetStore, error)
	PutKeyset(ctx context.Context, k *KeysetStore) error

	// Transaction runs fn with an atomic multi-aggregate write envelope. On
	// mem stores this is a single global critical section; on SQL stores it
	// is a real *sql.Tx. fn must not perform outbound HTTP calls (spec.md §5).
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// RawSQL is the escape hatch used only by the SQL back-end's own
	// maintenance paths (spec.md §4.C); mem back-ends return ErrRawSQLUnsupported.
	RawSQL(ctx context.Context, query string, args ...any) error
}
