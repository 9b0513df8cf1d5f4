// Package tenancy resolves and authenticates the tenant context for an
// inbound request: API-key parsing (<keyId>.<secret>, bcrypt-hashed secret
// check) and tenant lifecycle validation. Adapted from the teacher's
// internal/multitenancy/tenant_manager.go, replacing its Supabase-backed
// TenantManager with one driven by internal/store, and its "ocx_" key
// prefix with this module's own brand.
package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/store"
)

// KeyPrefix is prepended to every key IssueAPIKey mints; ValidateAPIKey
// accepts keys with or without it.
const KeyPrefix = "settld_"

var (
	ErrInvalidKeyFormat = domainerr.New("AUTH_API_KEY_FORMAT_INVALID", 401, "api key is not in <keyId>.<secret> form")
	ErrInvalidAPIKey     = domainerr.New("AUTH_API_KEY_INVALID", 401, "api key not recognized")
	ErrAPIKeyInactive    = domainerr.New("AUTH_API_KEY_INACTIVE", 401, "api key has been deactivated")
	ErrAPIKeyExpired     = domainerr.New("AUTH_API_KEY_EXPIRED", 401, "api key has expired")
	ErrTenantNotFound    = domainerr.New("TENANT_NOT_FOUND", 404, "tenant not found")
	ErrTenantSuspended   = domainerr.New("TENANT_SUSPENDED", 403, "tenant is suspended")
)

// Manager resolves tenants and API keys against the store.
type Manager struct {
	Store store.Store
	Now   func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// LoadTenant loads a tenant, rejecting anything not active.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) (*store.Tenant, error) {
	t, err := m.Store.GetTenant(ctx, tenantID)
	if err != nil {
		if derr, ok := domainerr.As(err); ok && derr.Code == "NOT_FOUND" {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	if t.Status != "active" {
		return nil, ErrTenantSuspended
	}
	return t, nil
}

// IssueAPIKey mints a new key, returning the full secret (shown once) and
// the persisted record (secret hashed, never the plaintext).
func (m *Manager) IssueAPIKey(ctx context.Context, tenantID, name string, scopes []string) (*store.APIKey, string, error) {
	idBytes := make([]byte, 8)
	_, _ = rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	_, _ = rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("%s%s.%s", KeyPrefix, keyID, secret)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", domainerr.ErrInternal.Wrap(err)
	}

	rec := &store.APIKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(secretHash),
		Scopes:     scopes,
		IsActive:   true,
		CreatedAt:  m.now(),
	}
	if err := m.Store.PutAPIKey(ctx, rec); err != nil {
		return nil, "", err
	}
	return rec, fullKey, nil
}

// ValidateAPIKey parses a bearer token of the form <keyId>.<secret>,
// optionally preceded by KeyPrefix, checks the secret against the stored
// bcrypt hash, and returns the resolved, active tenant.
func (m *Manager) ValidateAPIKey(ctx context.Context, bearer string) (*store.Tenant, error) {
	parts := strings.SplitN(strings.TrimPrefix(bearer, KeyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidKeyFormat
	}
	keyID, secret := parts[0], parts[1]

	rec, err := m.Store.GetAPIKey(ctx, keyID)
	if err != nil {
		if derr, ok := domainerr.As(err); ok && derr.Code == "NOT_FOUND" {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if !rec.IsActive {
		return nil, ErrAPIKeyInactive
	}
	if rec.ExpiresAt != nil && m.now().After(*rec.ExpiresAt) {
		return nil, ErrAPIKeyExpired
	}
	return m.LoadTenant(ctx, rec.TenantID)
}
