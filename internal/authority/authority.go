// Package authority verifies a leaf grant against the authority/delegation
// DAG it descends from: root resolution, per-ancestor lifecycle and scope
// checks, delegation depth, signer-key status, and agent lifecycle gating.
// Generalized from the teacher's internal/escrow/gate.go tri-factor signal
// aggregation (identity + jury + entropy, all-or-nothing) into an
// ancestor-by-ancestor all-or-nothing walk up the grant chain.
package authority

import (
	"context"
	"time"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// Role is the caller's standing relative to the operation being verified.
type Role string

const (
	RoleGrantor Role = "grantor"
	RoleGrantee Role = "grantee"
	RolePayer   Role = "payer"
	RolePayee   Role = "payee"
)

// Operation describes the action a leaf grant is being used to authorize.
type Operation struct {
	Role             Role
	Name             string
	ToolID           string
	ProviderID       string
	RiskClass        string
	AmountCents      int64
	SideEffecting    bool
	RequireSignerKey bool
}

var (
	ErrRootNotFound        = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_NOT_FOUND", 404, "authority root grant not found")
	ErrRootAmbiguous       = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_AMBIGUOUS", 409, "authority root grant is ambiguous")
	ErrRootRevoked         = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_REVOKED", 403, "authority root grant has been revoked")
	ErrRootNotActive       = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_NOT_ACTIVE", 403, "authority root grant is not yet active")
	ErrRootExpired         = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_EXPIRED", 403, "authority root grant has expired")
	ErrRootSchemaInvalid   = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_SCHEMA_INVALID", 422, "authority root grant failed schema validation")
	ErrRootResolverUnavailable = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_RESOLVER_UNAVAILABLE", 503, "authority root resolver is unavailable")
	ErrRootMismatch        = domainerr.New("X402_AUTHORITY_DELEGATION_ROOT_MISMATCH", 409, "authority chain binding does not resolve to the claimed root")
	ErrScopeEscalation     = domainerr.New("X402_AUTHORITY_DELEGATION_SCOPE_ESCALATION", 403, "child grant scope exceeds parent grant scope")
	ErrDepthExceeded       = domainerr.New("X402_AUTHORITY_DELEGATION_DEPTH_EXCEEDED", 403, "grant depth exceeds root maxDelegationDepth")
	ErrSignerKeyInvalid    = domainerr.New("X402_AUTHORITY_GRANT_SIGNER_KEY_INVALID", 403, "grantee signer key is not valid for this operation")
	ErrAgentSuspended      = domainerr.New("X402_AGENT_SUSPENDED", 410, "grantee agent is suspended")
	ErrAgentThrottled      = domainerr.New("X402_AGENT_THROTTLED", 429, "grantee agent is throttled")
)

// SignerKeyReasonCode is the detail attached to ErrSignerKeyInvalid.
type SignerKeyReasonCode string

const (
	SignerKeyNotActive SignerKeyReasonCode = "SIGNER_KEY_NOT_ACTIVE"
	SignerKeyRevoked   SignerKeyReasonCode = "SIGNER_KEY_REVOKED"
	SignerKeyRotated   SignerKeyReasonCode = "SIGNER_KEY_ROTATED"
	SignerKeyMissing   SignerKeyReasonCode = "SIGNER_KEY_MISSING"
)

// GrantLoader resolves a grant by hash; callers pass a closure bound to
// their store.Store + tenant so this package stays persistence-agnostic.
type GrantLoader func(ctx context.Context, grantHash string) (*store.Grant, error)

// AgentLoader resolves an agent identity by id, same rationale.
type AgentLoader func(ctx context.Context, agentID string) (*store.AgentIdentity, error)

// Verifier walks a leaf grant's ancestor chain and checks it against an
// Operation.
type Verifier struct {
	LoadGrant GrantLoader
	LoadAgent AgentLoader
	Now       func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify walks leaf up to its root, checks the leaf's depth against the
// root's maxDelegationDepth, checks lifecycle and scope-subset at every
// step, then checks the leaf's signer key and grantee lifecycle for the
// given Operation.
func (v *Verifier) Verify(ctx context.Context, leaf *store.Grant, op Operation) error {
	chain, err := v.resolveChain(ctx, leaf)
	if err != nil {
		return err
	}

	root := chain[len(chain)-1]
	if leaf.ChainBinding.RootGrantHash != "" && leaf.ChainBinding.RootGrantHash != root.GrantHash {
		return ErrRootMismatch
	}
	if leaf.ChainBinding.Depth > root.ChainBinding.MaxDelegationDepth {
		return ErrDepthExceeded
	}

	now := v.now()
	for i, g := range chain {
		if err := checkLifecycle(g, now); err != nil {
			return err
		}
		if i+1 < len(chain) {
			parent := chain[i+1]
			if err := checkScopeSubset(g, parent); err != nil {
				return err
			}
		}
	}

	if err := checkOperationAgainstScope(leaf, op); err != nil {
		return err
	}

	if op.RequireSignerKey {
		if err := v.checkSignerKey(ctx, leaf, op); err != nil {
			return err
		}
	}

	if err := v.checkAgentLifecycle(ctx, leaf.GranteeID); err != nil {
		return err
	}

	return nil
}

// resolveChain walks chainBinding.parentGrantHash pointers from leaf to
// root, returning [leaf, parent, ..., root]. A grant with no parentGrantHash
// is itself the root.
func (v *Verifier) resolveChain(ctx context.Context, leaf *store.Grant) ([]*store.Grant, error) {
	chain := []*store.Grant{leaf}
	current := leaf
	seen := map[string]bool{leaf.GrantHash: true}

	for current.ChainBinding.ParentGrantHash != "" {
		parent, err := v.LoadGrant(ctx, current.ChainBinding.ParentGrantHash)
		if err != nil {
			if derr, ok := domainerr.As(err); ok && derr.Code == "NOT_FOUND" {
				return nil, ErrRootNotFound
			}
			return nil, ErrRootResolverUnavailable
		}
		if parent == nil {
			return nil, ErrRootNotFound
		}
		if seen[parent.GrantHash] {
			return nil, ErrRootAmbiguous
		}
		seen[parent.GrantHash] = true
		chain = append(chain, parent)
		current = parent
	}

	root := chain[len(chain)-1]
	if root.Kind != store.GrantKindAuthority {
		return nil, ErrRootSchemaInvalid
	}
	return chain, nil
}

func checkLifecycle(g *store.Grant, now time.Time) error {
	if g.Revocation.RevokedAt != nil {
		return ErrRootRevoked
	}
	if now.Before(g.Validity.NotBefore) {
		return ErrRootNotActive
	}
	if !now.Before(g.Validity.ExpiresAt) {
		return ErrRootExpired
	}
	return nil
}

// checkScopeSubset ensures child's scope is a subset of parent's: any list
// present on the parent bounds the child; an absent parent list means
// unrestricted at that parent level.
func checkScopeSubset(child, parent *store.Grant) error {
	if parent.Scope.SideEffectingAllowed == false && child.Scope.SideEffectingAllowed {
		return ErrScopeEscalation
	}
	if !isSubset(child.Scope.AllowedRiskClasses, parent.Scope.AllowedRiskClasses) {
		return ErrScopeEscalation
	}
	if !isSubset(child.Scope.AllowedProviderIDs, parent.Scope.AllowedProviderIDs) {
		return ErrScopeEscalation
	}
	if !isSubset(child.Scope.AllowedToolIDs, parent.Scope.AllowedToolIDs) {
		return ErrScopeEscalation
	}
	if parent.SpendEnvelope.MaxPerCallCents > 0 && child.SpendEnvelope.MaxPerCallCents > parent.SpendEnvelope.MaxPerCallCents {
		return ErrScopeEscalation
	}
	if parent.SpendEnvelope.MaxTotalCents > 0 && child.SpendEnvelope.MaxTotalCents > parent.SpendEnvelope.MaxTotalCents {
		return ErrScopeEscalation
	}
	return nil
}

// isSubset reports whether every element of child appears in parent. An
// empty/nil parent list means "unrestricted" and always satisfies this.
func isSubset(child, parent []string) bool {
	if len(parent) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(parent))
	for _, p := range parent {
		allowed[p] = true
	}
	for _, c := range child {
		if !allowed[c] {
			return false
		}
	}
	return true
}

func checkOperationAgainstScope(leaf *store.Grant, op Operation) error {
	if op.SideEffecting && !leaf.Scope.SideEffectingAllowed {
		return ErrScopeEscalation
	}
	if op.RiskClass != "" && !isSubset([]string{op.RiskClass}, leaf.Scope.AllowedRiskClasses) {
		return ErrScopeEscalation
	}
	if op.ProviderID != "" && !isSubset([]string{op.ProviderID}, leaf.Scope.AllowedProviderIDs) {
		return ErrScopeEscalation
	}
	if op.ToolID != "" && !isSubset([]string{op.ToolID}, leaf.Scope.AllowedToolIDs) {
		return ErrScopeEscalation
	}
	if leaf.SpendEnvelope.MaxPerCallCents > 0 && op.AmountCents > leaf.SpendEnvelope.MaxPerCallCents {
		return ErrScopeEscalation
	}
	return nil
}

func (v *Verifier) checkSignerKey(ctx context.Context, leaf *store.Grant, op Operation) error {
	agent, err := v.LoadAgent(ctx, leaf.GranteeID)
	if err != nil || agent == nil {
		return ErrSignerKeyInvalid.WithDetails(map[string]any{"reasonCode": SignerKeyMissing, "role": op.Role})
	}
	for _, k := range agent.Keys {
		if k.Status == "active" {
			return nil
		}
	}
	reason := SignerKeyMissing
	for _, k := range agent.Keys {
		switch k.Status {
		case "revoked":
			reason = SignerKeyRevoked
		case "rotated":
			reason = SignerKeyRotated
		}
	}
	if len(agent.Keys) == 0 {
		reason = SignerKeyMissing
	} else if reason == SignerKeyMissing {
		reason = SignerKeyNotActive
	}
	return ErrSignerKeyInvalid.WithDetails(map[string]any{"reasonCode": reason, "role": op.Role})
}

func (v *Verifier) checkAgentLifecycle(ctx context.Context, granteeID string) error {
	agent, err := v.LoadAgent(ctx, granteeID)
	if err != nil || agent == nil {
		return ErrRootNotFound
	}
	switch agent.Status {
	case store.LifecycleSuspended, store.LifecycleRetired:
		return ErrAgentSuspended
	case store.LifecycleThrottled:
		return ErrAgentThrottled
	}
	return nil
}
