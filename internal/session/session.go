// Package session drives the general-purpose chained event stream used for
// agent-to-agent conversational exchanges that are not themselves Runs
// (spec.md §3). It reuses internal/chain's draft/finalize library exactly
// the way internal/runengine does for Run events, generalized to carry no
// settlement and to additionally expose a replay pack and a flattened
// transcript read model.
package session

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// Engine wires a Store and a signer key for session event chains.
type Engine struct {
	Store  store.Store
	Signer ed25519.PrivateKey
	Now    func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Create opens a new session with an empty chain.
func (e *Engine) Create(ctx context.Context, tenantID, sessionID, agentID string) (*store.Session, error) {
	now := e.now()
	s := &store.Session{
		SchemaVersion: "1",
		TenantID:      tenantID,
		SessionID:     sessionID,
		AgentID:       agentID,
		LastChainHash: chain.GenesisPrevHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Store.PutSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendEvent appends a typed event to the session's chain, enforcing
// expectedPrevChainHash against the current head (spec.md §8 invariant 3).
func (e *Engine) AppendEvent(ctx context.Context, tenantID, sessionID, eventType, actor string, payload map[string]any, expectedPrevChainHash string) (*store.Session, *chain.Event, error) {
	now := e.now()
	draft, err := chain.CreateDraft(sessionID, eventType, actor, payload, now)
	if err != nil {
		return nil, nil, err
	}
	event, err := chain.Finalize(draft, expectedPrevChainHash, e.Signer)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.Store.AppendSessionEvent(ctx, tenantID, sessionID, event, expectedPrevChainHash)
	if err != nil {
		return nil, nil, err
	}
	return s, event, nil
}

// ReplayPack is the full chain plus a manifest hash binding its order, so a
// downstream verifier can detect reordering or truncation without replaying
// every individual chainHash link by hand.
type ReplayPack struct {
	Session      *store.Session `json:"session"`
	Events       []*chain.Event `json:"events"`
	ManifestHash string         `json:"manifestHash"`
}

// ReplayPack bundles a session's full chain with a manifest hash computed
// over the ordered list of chainHashes.
func (e *Engine) ReplayPack(ctx context.Context, tenantID, sessionID string) (*ReplayPack, error) {
	s, err := e.Store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := e.Store.ListSessionEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	chainHashes := make([]string, len(events))
	for i, ev := range events {
		chainHashes[i] = ev.ChainHash
	}
	manifestHash, err := canonical.HashOf(map[string]any{
		"sessionId":   sessionID,
		"chainHashes": chainHashes,
	})
	if err != nil {
		return nil, domainerr.ErrInternal.Wrap(err)
	}
	return &ReplayPack{Session: s, Events: events, ManifestHash: manifestHash}, nil
}

// TranscriptEntry is one flattened, human-readable line of a session.
type TranscriptEntry struct {
	At      time.Time      `json:"at"`
	Actor   string         `json:"actor"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Transcript renders a session's chain as a flattened read model, dropping
// the chain-linkage fields a verifier cares about but a transcript reader
// doesn't.
func (e *Engine) Transcript(ctx context.Context, tenantID, sessionID string) ([]TranscriptEntry, error) {
	events, err := e.Store.ListSessionEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]TranscriptEntry, len(events))
	for i, ev := range events {
		out[i] = TranscriptEntry{At: ev.At, Actor: ev.Actor, Type: ev.Type, Payload: ev.Payload}
	}
	return out, nil
}
