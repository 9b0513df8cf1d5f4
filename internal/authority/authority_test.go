package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
)

func rootGrant() *store.Grant {
	return &store.Grant{
		TenantID:  "t1",
		GrantID:   "g_root",
		GrantHash: "hash_root",
		Kind:      store.GrantKindAuthority,
		GrantorID: "principal_1",
		GranteeID: "agent_1",
		Scope: store.GrantScope{
			SideEffectingAllowed: true,
			AllowedToolIDs:       []string{"tool.search", "tool.pay"},
		},
		SpendEnvelope: store.SpendEnvelope{MaxPerCallCents: 100000, MaxTotalCents: 1000000},
		ChainBinding:  store.ChainBinding{Depth: 0, MaxDelegationDepth: 2},
		Validity:      store.GrantValidity{NotBefore: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(time.Hour)},
	}
}

func childGrant(parent *store.Grant) *store.Grant {
	return &store.Grant{
		TenantID:  "t1",
		GrantID:   "g_child",
		GrantHash: "hash_child",
		Kind:      store.GrantKindDelegation,
		GrantorID: parent.GranteeID,
		GranteeID: "agent_2",
		Scope: store.GrantScope{
			SideEffectingAllowed: true,
			AllowedToolIDs:       []string{"tool.search"},
		},
		SpendEnvelope: store.SpendEnvelope{MaxPerCallCents: 5000},
		ChainBinding:  store.ChainBinding{ParentGrantHash: parent.GrantHash, RootGrantHash: parent.GrantHash, Depth: 1, MaxDelegationDepth: 2},
		Validity:      store.GrantValidity{NotBefore: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(time.Hour)},
	}
}

func testVerifier(root, child *store.Grant, agent *store.AgentIdentity) *Verifier {
	return &Verifier{
		LoadGrant: func(ctx context.Context, hash string) (*store.Grant, error) {
			if hash == root.GrantHash {
				return root, nil
			}
			return nil, store.ErrNotFound
		},
		LoadAgent: func(ctx context.Context, agentID string) (*store.AgentIdentity, error) {
			if agentID == agent.AgentID {
				return agent, nil
			}
			return nil, store.ErrNotFound
		},
	}
}

func activeAgent(id string) *store.AgentIdentity {
	return &store.AgentIdentity{
		TenantID: "t1",
		AgentID:  id,
		Status:   store.LifecycleActive,
		Keys:     []store.AgentKey{{KeyID: "k1", Status: "active"}},
	}
}

func TestVerifyWithinScopeSucceeds(t *testing.T) {
	root := rootGrant()
	child := childGrant(root)
	v := testVerifier(root, child, activeAgent("agent_2"))

	err := v.Verify(context.Background(), child, Operation{Role: RolePayer, ToolID: "tool.search", AmountCents: 1000, SideEffecting: true})
	require.NoError(t, err)
}

func TestVerifyScopeEscalationRejected(t *testing.T) {
	root := rootGrant()
	child := childGrant(root)
	v := testVerifier(root, child, activeAgent("agent_2"))

	err := v.Verify(context.Background(), child, Operation{Role: RolePayer, ToolID: "tool.unknown", AmountCents: 1000})
	require.ErrorIs(t, err, ErrScopeEscalation)
}

func TestVerifyAmountExceedingPerCallCapRejected(t *testing.T) {
	root := rootGrant()
	child := childGrant(root)
	v := testVerifier(root, child, activeAgent("agent_2"))

	err := v.Verify(context.Background(), child, Operation{Role: RolePayer, ToolID: "tool.search", AmountCents: 999999})
	require.ErrorIs(t, err, ErrScopeEscalation)
}

func TestVerifySuspendedGranteeRejected(t *testing.T) {
	root := rootGrant()
	child := childGrant(root)
	agent := activeAgent("agent_2")
	agent.Status = store.LifecycleSuspended
	v := testVerifier(root, child, agent)

	err := v.Verify(context.Background(), child, Operation{Role: RolePayer, ToolID: "tool.search", AmountCents: 1000})
	require.ErrorIs(t, err, ErrAgentSuspended)
}

func TestVerifyRevokedRootRejected(t *testing.T) {
	root := rootGrant()
	revokedAt := time.Now()
	root.Revocation.RevokedAt = &revokedAt
	child := childGrant(root)
	v := testVerifier(root, child, activeAgent("agent_2"))

	err := v.Verify(context.Background(), child, Operation{Role: RolePayer, ToolID: "tool.search", AmountCents: 1000})
	require.ErrorIs(t, err, ErrRootRevoked)
}
