// Package store defines the tenant-scoped persistence contract (spec.md
// §4.C) and the entities it owns (spec.md §3). Engines receive snapshots of
// these types and return the next immutable state; the store is the only
// writer.
package store

import (
	"time"

	"github.com/nooterra/settld-core/internal/chain"
)

// LifecycleStatus is an AgentIdentity's lifecycle state.
type LifecycleStatus string

const (
	LifecycleActive     LifecycleStatus = "active"
	LifecycleThrottled  LifecycleStatus = "throttled"
	LifecycleSuspended  LifecycleStatus = "suspended"
	LifecycleRetired    LifecycleStatus = "retired"
)

// AgentOwner identifies the principal that owns an agent identity.
type AgentOwner struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AgentKey is a named signer key bound to an agent.
type AgentKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Status       string `json:"status"` // active, revoked, rotated
}

// AgentIdentity is spec.md §3's AgentIdentity entity.
type AgentIdentity struct {
	SchemaVersion string          `json:"schemaVersion"`
	TenantID      string          `json:"tenantId"`
	AgentID       string          `json:"agentId"`
	DisplayName   string          `json:"displayName"`
	Owner         AgentOwner      `json:"owner"`
	Capabilities  []string        `json:"capabilities"`
	Keys          []AgentKey      `json:"keys"`
	Status        LifecycleStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// AgentWallet is spec.md §3's AgentWallet entity.
type AgentWallet struct {
	SchemaVersion      string    `json:"schemaVersion"`
	TenantID           string    `json:"tenantId"`
	AgentID            string    `json:"agentId"`
	AvailableCents      int64    `json:"availableCents"`
	EscrowLockedCents   int64    `json:"escrowLockedCents"`
	TotalCreditedCents  int64    `json:"totalCreditedCents"`
	TotalDebitedCents   int64    `json:"totalDebitedCents"`
	Currency           string    `json:"currency"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// GrantKind discriminates AuthorityGrant from DelegationGrant — both share
// the same shape per spec.md §3.
type GrantKind string

const (
	GrantKindAuthority  GrantKind = "authority"
	GrantKindDelegation GrantKind = "delegation"
)

// GrantScope is the scope block of a grant.
type GrantScope struct {
	SideEffectingAllowed bool     `json:"sideEffectingAllowed"`
	AllowedRiskClasses   []string `json:"allowedRiskClasses,omitempty"`
	AllowedProviderIDs   []string `json:"allowedProviderIds,omitempty"`
	AllowedToolIDs       []string `json:"allowedToolIds,omitempty"`
}

// SpendEnvelope bounds per-call and total spend under a grant.
type SpendEnvelope struct {
	Currency       string `json:"currency"`
	MaxPerCallCents int64 `json:"maxPerCallCents"`
	MaxTotalCents   int64 `json:"maxTotalCents"`
}

// ChainBinding locates a grant within the authority/delegation DAG.
type ChainBinding struct {
	RootGrantHash      string `json:"rootGrantHash,omitempty"`
	ParentGrantHash    string `json:"parentGrantHash,omitempty"`
	Depth              int    `json:"depth"`
	MaxDelegationDepth int    `json:"maxDelegationDepth"`
}

// GrantValidity bounds a grant's activation window.
type GrantValidity struct {
	IssuedAt  time.Time  `json:"issuedAt"`
	NotBefore time.Time  `json:"notBefore"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// GrantRevocation records whether/when a grant was revoked.
type GrantRevocation struct {
	Revocable          bool       `json:"revocable"`
	RevokedAt          *time.Time `json:"revokedAt,omitempty"`
	RevocationReasonCode string   `json:"revocationReasonCode,omitempty"`
}

// Grant models both AuthorityGrant and DelegationGrant (spec.md §3).
type Grant struct {
	SchemaVersion string          `json:"schemaVersion"`
	TenantID      string          `json:"tenantId"`
	GrantID       string          `json:"grantId"`
	Kind          GrantKind       `json:"kind"`
	GrantorID     string          `json:"grantorId"`
	GranteeID     string          `json:"granteeId"`
	Scope         GrantScope      `json:"scope"`
	SpendEnvelope SpendEnvelope   `json:"spendEnvelope"`
	ChainBinding  ChainBinding    `json:"chainBinding"`
	Validity      GrantValidity   `json:"validity"`
	Revocation    GrantRevocation `json:"revocation"`
	GrantHash     string          `json:"grantHash"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// RunStatus is a Run's lifecycle state.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is spec.md §3's Run entity.
type Run struct {
	SchemaVersion  string    `json:"schemaVersion"`
	TenantID       string    `json:"tenantId"`
	RunID          string    `json:"runId"`
	AgentID        string    `json:"agentId"`
	Status         RunStatus `json:"status"`
	LastChainHash  string    `json:"lastChainHash"`
	SettlementID   string    `json:"settlementId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SettlementStatus is a Settlement's state machine value.
type SettlementStatus string

const (
	SettlementLocked                SettlementStatus = "locked"
	SettlementReleased              SettlementStatus = "released"
	SettlementRefunded              SettlementStatus = "refunded"
	SettlementSplit                 SettlementStatus = "split"
	SettlementManualReviewRequired  SettlementStatus = "manual_review_required"
	SettlementManualResolved        SettlementStatus = "manual_resolved"
	SettlementDisputed              SettlementStatus = "disputed"
)

// DecisionStatus records how a settlement reached its current status.
type DecisionStatus string

const (
	DecisionPending      DecisionStatus = "pending"
	DecisionAutoResolved DecisionStatus = "auto_resolved"
	DecisionManualReviewRequired DecisionStatus = "manual_review_required"
	DecisionManualResolved       DecisionStatus = "manual_resolved"
)

// DisputeStatus tracks a settlement's dispute sub-state machine (spec.md §4.G).
type DisputeStatus string

const (
	DisputeNone       DisputeStatus = ""
	DisputeOpen       DisputeStatus = "open"
	DisputeEscalated  DisputeStatus = "escalated"
	DisputeClosed     DisputeStatus = "closed"
)

// Settlement is spec.md §3's Settlement entity.
type Settlement struct {
	SchemaVersion         string           `json:"schemaVersion"`
	TenantID              string           `json:"tenantId"`
	SettlementID          string           `json:"settlementId"`
	RunID                 string           `json:"runId"`
	PayerAgentID          string           `json:"payerAgentId"`
	PayeeAgentID          string           `json:"payeeAgentId"`
	AmountCents           int64            `json:"amountCents"`
	Currency              string           `json:"currency"`
	Status                SettlementStatus `json:"status"`
	ReleasedAmountCents   int64            `json:"releasedAmountCents"`
	RefundedAmountCents   int64            `json:"refundedAmountCents"`
	DisputeWindowDays     int              `json:"disputeWindowDays,omitempty"`
	DisputeWindowEndsAt   *time.Time       `json:"disputeWindowEndsAt,omitempty"`
	DisputeStatus         DisputeStatus    `json:"disputeStatus,omitempty"`
	EscalationLevel       string           `json:"escalationLevel,omitempty"`
	DisputeID             string           `json:"disputeId,omitempty"`
	VerdictHash           string           `json:"verdictHash,omitempty"`
	DecisionStatus        DecisionStatus   `json:"decisionStatus"`
	DecisionReason        string           `json:"decisionReason,omitempty"`
	VerificationStatus    string           `json:"verificationStatus,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// ToolCallAgreement is the parallel-path agreement artifact (spec.md §4.F).
type ToolCallAgreement struct {
	SchemaVersion string         `json:"schemaVersion"`
	TenantID      string         `json:"tenantId"`
	CallID        string         `json:"callId"`
	ToolID        string         `json:"toolId"`
	ManifestHash  string         `json:"manifestHash"`
	InputHash     string         `json:"inputHash"`
	Terms         map[string]any `json:"terms"`
	AgreementHash string         `json:"agreementHash"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// ToolCallEvidence is the signed evidence artifact produced after execution.
type ToolCallEvidence struct {
	SchemaVersion string         `json:"schemaVersion"`
	TenantID      string         `json:"tenantId"`
	CallID        string         `json:"callId"`
	AgreementHash string         `json:"agreementHash"`
	OutputHash    string         `json:"outputHash"`
	Metrics       map[string]any `json:"metrics"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	EvidenceHash  string         `json:"evidenceHash"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// FundingHoldState is a hold's lifecycle state.
type FundingHoldState string

const (
	HoldLocked    FundingHoldState = "locked"
	HoldReleased  FundingHoldState = "released"
	HoldRefunded  FundingHoldState = "refunded"
	HoldDisputed  FundingHoldState = "disputed"
)

// FundingHold is spec.md §3's FundingHold entity.
type FundingHold struct {
	SchemaVersion      string           `json:"schemaVersion"`
	TenantID           string           `json:"tenantId"`
	HoldHash           string           `json:"holdHash"`
	AgreementHash      string           `json:"agreementHash"`
	ReceiptHash        string           `json:"receiptHash"`
	PayerAgentID       string           `json:"payerAgentId"`
	PayeeAgentID       string           `json:"payeeAgentId"`
	AmountCents        int64            `json:"amountCents"`
	HoldbackBps        int              `json:"holdbackBps"`
	HeldAmountCents    int64            `json:"heldAmountCents"`
	ChallengeWindowMs  int64            `json:"challengeWindowMs"`
	State              FundingHoldState `json:"state"`
	ExpiresAt          time.Time        `json:"expiresAt"`
	ArbitrationCaseID  string           `json:"arbitrationCaseId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// ArbitrationCaseStatus is an ArbitrationCase's lifecycle.
type ArbitrationCaseStatus string

const (
	ArbitrationOpen     ArbitrationCaseStatus = "open"
	ArbitrationVerdict  ArbitrationCaseStatus = "verdict_issued"
	ArbitrationResolved ArbitrationCaseStatus = "resolved"
)

// ArbitrationCase is spec.md §3's ArbitrationCase entity.
type ArbitrationCase struct {
	SchemaVersion   string                `json:"schemaVersion"`
	TenantID        string                `json:"tenantId"`
	CaseID          string                `json:"caseId"`
	HoldHash        string                `json:"holdHash"`
	DisputeEnvelope map[string]any        `json:"disputeEnvelope"`
	Status          ArbitrationCaseStatus `json:"status"`
	VerdictOutcome  string                `json:"verdictOutcome,omitempty"`
	ReleaseRatePct  int                   `json:"releaseRatePct,omitempty"`
	VerdictHash     string                `json:"verdictHash,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// SettlementAdjustment is the artifact a closed dispute produces, recording
// the delta a verdict applied on top of whatever the settlement already
// held (SPEC_FULL.md §4.G).
type SettlementAdjustment struct {
	SchemaVersion       string    `json:"schemaVersion"`
	TenantID            string    `json:"tenantId"`
	SettlementID        string    `json:"settlementId"`
	DisputeID           string    `json:"disputeId"`
	Outcome             string    `json:"outcome"`
	ReleaseRatePct      int       `json:"releaseRatePct"`
	DeltaReleasedCents  int64     `json:"deltaReleasedCents"`
	DeltaRefundedCents  int64     `json:"deltaRefundedCents"`
	VerdictHash         string    `json:"verdictHash"`
	AdjustmentHash      string    `json:"adjustmentHash"`
	CreatedAt           time.Time `json:"createdAt"`
}

// AgentCard is the public, redacted projection of an AgentIdentity.
type AgentCard struct {
	TenantID     string   `json:"tenantId"`
	AgentID      string   `json:"agentId"`
	DisplayName  string   `json:"displayName"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// WorkOrderStatus is a WorkOrder's lifecycle.
type WorkOrderStatus string

const (
	WorkOrderDraft      WorkOrderStatus = "draft"
	WorkOrderOffered    WorkOrderStatus = "offered"
	WorkOrderAccepted   WorkOrderStatus = "accepted"
	WorkOrderInProgress WorkOrderStatus = "in_progress"
	WorkOrderToppedUp   WorkOrderStatus = "topped_up"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderSettled    WorkOrderStatus = "settled"
	WorkOrderCancelled  WorkOrderStatus = "cancelled"
)

// WorkOrder is the buyer/seller negotiation artifact (SPEC_FULL.md §3).
type WorkOrder struct {
	SchemaVersion     string          `json:"schemaVersion"`
	TenantID          string          `json:"tenantId"`
	WorkOrderID       string          `json:"workOrderId"`
	BuyerAgentID      string          `json:"buyerAgentId"`
	SellerAgentID     string          `json:"sellerAgentId"`
	TaskSpecHash      string          `json:"taskSpecHash"`
	QuotedAmountCents int64           `json:"quotedAmountCents"`
	MeteredCents      int64           `json:"meteredCents"`
	Status            WorkOrderStatus `json:"status"`
	SettlementID      string          `json:"settlementId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// CompletionReceipt is the hash-bound artifact produced on work order completion.
type CompletionReceipt struct {
	SchemaVersion string    `json:"schemaVersion"`
	TenantID      string    `json:"tenantId"`
	WorkOrderID   string    `json:"workOrderId"`
	ReceiptHash   string    `json:"receiptHash"`
	MeteredCents  int64     `json:"meteredCents"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Session and SessionEvent reuse the event-chain library for a general
// agent-to-agent conversational stream distinct from Runs (SPEC_FULL.md §3).
type Session struct {
	SchemaVersion string    `json:"schemaVersion"`
	TenantID      string    `json:"tenantId"`
	SessionID     string    `json:"sessionId"`
	AgentID       string    `json:"agentId"`
	LastChainHash string    `json:"lastChainHash"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Attestation is a signed, hash-bound claim about an agent or run, stored
// for later audit (e.g. identity attestations, evidence attestations).
type Attestation struct {
	SchemaVersion   string    `json:"schemaVersion"`
	TenantID        string    `json:"tenantId"`
	AttestationID   string    `json:"attestationId"`
	SubjectType     string    `json:"subjectType"`
	SubjectID       string    `json:"subjectId"`
	AttestationHash string    `json:"attestationHash"`
	CreatedAt       time.Time `json:"createdAt"`
}

// OutboxState is an OutboxMessage's lifecycle.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxProcessed OutboxState = "processed"
	OutboxDLQ       OutboxState = "dlq"
)

// OutboxMessage is spec.md §3's OutboxMessage entity.
type OutboxMessage struct {
	ID            int64          `json:"id"`
	TenantID      string         `json:"tenantId"`
	Topic         string         `json:"topic"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Payload       map[string]any `json:"payload"`
	State         OutboxState    `json:"state"`
	ProcessedAt   *time.Time     `json:"processedAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	Attempt       int            `json:"attempt"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// DeliveryState is a DeliveryRecord's lifecycle.
type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAcked     DeliveryState = "acked"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryDLQ       DeliveryState = "dlq"
)

// DeliveryRecord is spec.md §3's DeliveryRecord entity.
type DeliveryRecord struct {
	DeliveryID    string        `json:"deliveryId"`
	TenantID      string        `json:"tenantId"`
	OutboxID      int64         `json:"outboxId"`
	DestinationID string        `json:"destinationId"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastStatus    int           `json:"lastStatus"`
	LastError     string        `json:"lastError,omitempty"`
	AckedAt       *time.Time    `json:"ackedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IdempotencyRecord is spec.md §3's IdempotencyRecord entity.
type IdempotencyRecord struct {
	TenantID           string    `json:"tenantId"`
	Key                string    `json:"key"`
	RequestFingerprint string    `json:"requestFingerprint"`
	ResponseStatus     int       `json:"responseStatus"`
	ResponseBody       []byte    `json:"responseBody"`
	CreatedAt          time.Time `json:"createdAt"`
	TTL                time.Duration `json:"ttl"`
}

// KeyStatus is a published signer key's rotation state (spec.md §4.M).
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyPrevious KeyStatus = "previous"
)

// PublishedKey is one entry in a KeysetStore.
type PublishedKey struct {
	Kid          string    `json:"kid"`
	PublicKeyPEM string    `json:"publicKeyPem"`
	Algorithm    string    `json:"algorithm"`
	Status       KeyStatus `json:"status"`
	EvictedAt    *time.Time `json:"evictedAt,omitempty"`
}

// KeysetStore is spec.md §4.M's KeysetStore.v1 persisted record.
type KeysetStore struct {
	SchemaVersion string         `json:"schemaVersion"`
	TenantID      string         `json:"tenantId"`
	Active        PublishedKey   `json:"active"`
	Previous      []PublishedKey `json:"previous"`
}

// Tenant is the top-level isolation boundary (spec.md §3 "Tenant").
type Tenant struct {
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"` // active, suspended
	CreatedAt  time.Time `json:"createdAt"`
}

// APIKey is a tenant-scoped credential: Authorization: Bearer <KeyID>.<secret>.
type APIKey struct {
	KeyID      string     `json:"keyId"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	SecretHash string     `json:"secretHash"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"isActive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// StoredEvent pairs a chain.Event with the stream it belongs to for storage
// independent of whether the stream is a Run or a Session.
type StoredEvent = chain.Event
