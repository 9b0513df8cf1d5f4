// Package chain builds and finalizes hash-chained events for per-aggregate
// append-only logs (spec.md §4.B). Appending itself — enforcing
// expectedPrevChainHash against the current head — is the store's job
// (internal/store); this package only builds the immutable event values.
package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nooterra/settld-core/internal/canonical"
	"github.com/nooterra/settld-core/internal/domainerr"
)

// GenesisPrevHash is the literal value used as prevChainHash for the first
// event appended to a stream.
const GenesisPrevHash = "null"

// Event is one entry in a per-aggregate hash chain.
type Event struct {
	ID            string         `json:"id"`
	StreamID      string         `json:"streamId"`
	Type          string         `json:"type"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	At            time.Time      `json:"at"`
	PrevChainHash string         `json:"prevChainHash"`
	PayloadHash   string         `json:"payloadHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     string         `json:"signature,omitempty"`
}

// shortcode maps a RunEvent/SessionEvent type to the prefix used in
// generated ids, mirroring the teacher's `evt-<ts>` id convention
// (internal/events/bus.go) generalized to a per-type short code.
func shortcode(eventType string) string {
	if len(eventType) == 0 {
		return "evt"
	}
	return "evt_" + eventType
}

func randomSuffix() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateDraft builds a draft event: it computes payloadHash and assigns an
// id but does not yet know the chain head, so prevChainHash/chainHash are
// left empty. Call Finalize once the caller has read the stream's current
// head under the store's lock.
func CreateDraft(streamID, eventType, actor string, payload map[string]any, at time.Time) (*Event, error) {
	if streamID == "" || eventType == "" {
		return nil, domainerr.ErrValidation.WithDetails(map[string]any{"reason": "streamId and type are required"})
	}
	payloadHash, err := canonical.HashOf(payload)
	if err != nil {
		return nil, domainerr.New("VALIDATION_PAYLOAD_INVALID", 400, "payload is not canonicalizable").Wrap(err)
	}
	return &Event{
		ID:          fmt.Sprintf("%s_%s", shortcode(eventType), randomSuffix()),
		StreamID:    streamID,
		Type:        eventType,
		Actor:       actor,
		Payload:     payload,
		At:          at,
		PayloadHash: payloadHash,
	}, nil
}

// Finalize sets prevChainHash on the draft, computes chainHash over the
// canonical core {id, streamId, type, actor, at, prevChainHash, payloadHash},
// and optionally signs the chain hash with an ed25519 signer key.
func Finalize(event *Event, prevChainHash string, signer ed25519.PrivateKey) (*Event, error) {
	if prevChainHash == "" {
		prevChainHash = GenesisPrevHash
	}
	event.PrevChainHash = prevChainHash

	core := map[string]any{
		"id":            event.ID,
		"streamId":      event.StreamID,
		"type":          event.Type,
		"actor":         event.Actor,
		"at":            event.At.UTC().Format(time.RFC3339Nano),
		"prevChainHash": event.PrevChainHash,
		"payloadHash":   event.PayloadHash,
	}
	chainHash, err := canonical.HashOf(core)
	if err != nil {
		return nil, domainerr.ErrInternal.Wrap(err)
	}
	event.ChainHash = chainHash

	if signer != nil {
		sig, err := canonical.Sign(signer, chainHash)
		if err != nil {
			return nil, domainerr.ErrInternal.Wrap(err)
		}
		event.Signature = hex.EncodeToString(sig)
	}
	return event, nil
}

// ErrChainHashMismatch is returned by the store when a caller's
// expectedPrevChainHash does not match the current aggregate head
// (spec.md §4.B, §8 invariant 3).
var ErrChainHashMismatch = domainerr.New("CHAIN_HASH_MISMATCH", 409, "expectedPrevChainHash does not match current chain head")
