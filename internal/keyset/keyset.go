// Package keyset manages the ed25519 signer-key ring published at
// /.well-known/<brand>-keys.json: an active key plus a bounded history of
// previous keys that still verify signatures minted while they were active.
// Grounded on the teacher's internal/identity/spiffe.go SPIFFE-ID minting
// (GenerateSPIFFEID), adapted from a single mutable key to
// store.KeysetStore's active/previous[] ring, and from an agent-identity
// path segment to a keyset one.
package keyset

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// DefaultMaxPrevious bounds how many evicted keys remain published so a
// token minted just before rotation still verifies for a grace window.
const DefaultMaxPrevious = 3

var (
	ErrKeyNotFound      = domainerr.New("KEYSET_KEY_NOT_FOUND", 404, "signer key id not found in keyset")
	ErrTrustDomainInvalid = domainerr.New("KEYSET_TRUST_DOMAIN_INVALID", 500, "configured trust domain does not form a valid SPIFFE ID")
)

// Ring rotates a tenant's signer key and serves the published projection.
type Ring struct {
	Store       store.Store
	TrustDomain string
	MaxPrevious int
	Now         func() time.Time
}

func (r *Ring) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Ring) maxPrevious() int {
	if r.MaxPrevious > 0 {
		return r.MaxPrevious
	}
	return DefaultMaxPrevious
}

func pemEncodePublic(pub ed25519.PublicKey) string {
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pub}
	return string(pem.EncodeToMemory(block))
}

// mintKid formats a published key's kid as a SPIFFE ID under r.TrustDomain
// (spec.md §4.M), validated with spiffeid.FromString the way the teacher's
// identity.SPIFFEVerifier validates inbound SVIDs.
func (r *Ring) mintKid(pub ed25519.PublicKey) (string, error) {
	suffix := hex.EncodeToString(pub[:8])
	id, err := spiffeid.FromString(fmt.Sprintf("spiffe://%s/keys/%s", r.TrustDomain, suffix))
	if err != nil {
		return "", ErrTrustDomainInvalid.Wrap(err)
	}
	return id.String(), nil
}

// Bootstrap generates and publishes a tenant's first active key.
func (r *Ring) Bootstrap(ctx context.Context, tenantID string) (ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, domainerr.ErrInternal.Wrap(err)
	}
	kid, err := r.mintKid(pub)
	if err != nil {
		return nil, err
	}
	ks := &store.KeysetStore{
		SchemaVersion: "KeysetStore.v1",
		TenantID:      tenantID,
		Active: store.PublishedKey{
			Kid:          kid,
			PublicKeyPEM: pemEncodePublic(pub),
			Algorithm:    "ed25519",
			Status:       store.KeyActive,
		},
	}
	if err := r.Store.PutKeyset(ctx, ks); err != nil {
		return nil, err
	}
	return priv, nil
}

// Rotate demotes the current active key to previous (bounding the previous
// list to MaxPrevious, evicting the oldest) and publishes a freshly
// generated active key.
func (r *Ring) Rotate(ctx context.Context, tenantID string) (ed25519.PrivateKey, *store.KeysetStore, error) {
	ks, err := r.Store.GetKeyset(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, domainerr.ErrInternal.Wrap(err)
	}

	kid, err := r.mintKid(pub)
	if err != nil {
		return nil, nil, err
	}

	previous := append([]store.PublishedKey{ks.Active}, ks.Previous...)
	if len(previous) > r.maxPrevious() {
		previous = previous[:r.maxPrevious()]
	}

	next := &store.KeysetStore{
		SchemaVersion: ks.SchemaVersion,
		TenantID:      tenantID,
		Active: store.PublishedKey{
			Kid:          kid,
			PublicKeyPEM: pemEncodePublic(pub),
			Algorithm:    "ed25519",
			Status:       store.KeyActive,
		},
		Previous: previous,
	}
	if err := r.Store.PutKeyset(ctx, next); err != nil {
		return nil, nil, err
	}
	return priv, next, nil
}

// PublishedKeyEntry is one row of the /.well-known response.
type PublishedKeyEntry struct {
	Kid          string `json:"kid"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Algorithm    string `json:"algorithm"`
	Status       string `json:"status"`
}

// PublishedResponse is the /.well-known/<brand>-keys.json document.
type PublishedResponse struct {
	SchemaVersion string              `json:"schemaVersion"`
	Keys          []PublishedKeyEntry `json:"keys"`
}

// Published projects a KeysetStore into the well-known document shape.
func Published(ks *store.KeysetStore) PublishedResponse {
	keys := []PublishedKeyEntry{{
		Kid:          ks.Active.Kid,
		PublicKeyPEM: ks.Active.PublicKeyPEM,
		Algorithm:    ks.Active.Algorithm,
		Status:       string(store.KeyActive),
	}}
	for _, k := range ks.Previous {
		keys = append(keys, PublishedKeyEntry{
			Kid:          k.Kid,
			PublicKeyPEM: k.PublicKeyPEM,
			Algorithm:    k.Algorithm,
			Status:       string(store.KeyPrevious),
		})
	}
	return PublishedResponse{SchemaVersion: ks.SchemaVersion, Keys: keys}
}
