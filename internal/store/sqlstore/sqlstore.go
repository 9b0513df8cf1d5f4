// Package sqlstore is the Postgres-backed store.Store implementation.
// Forward-only migrations run under a session-held advisory lock so that
// concurrent server replicas never race the same migration, grounded on
// Mindburn-Labs-helm's core/pkg/store/ledger/postgres_ledger.go schema-init
// pattern; outbox claiming uses the same repo's SELECT ... FOR UPDATE SKIP
// LOCKED idiom generalized from a single queue table to a per-tenant claim.
//
// Low-traffic artifact aggregates (agents, grants, tool-call artifacts,
// work orders, agent cards, attestations, keyset) share one JSONB-backed
// table keyed by (kind, tenant_id, id); high-traffic or concurrency-
// sensitive aggregates (wallets, runs/run events, sessions/session events,
// settlements, outbox/deliveries, idempotency) get dedicated tables so the
// chain-append and outbox-claim queries can express their invariants in
// SQL rather than in application code.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/store"
)

// SQLStore implements store.Store over database/sql + lib/pq. db is an
// execer rather than a concrete *sql.DB so that Transaction can hand
// methods a *sql.Tx instead without any virtual-dispatch trick: Go method
// sets resolve statically, so a wrapper type embedding *SQLStore could
// never override the connection a borrowed method uses. rootDB is always
// the real pool, kept separately for operations (Migrate, outbox claiming,
// chained-event append) that need to open their own transaction when not
// already inside one.
type SQLStore struct {
	db     execer
	rootDB *sql.DB
	schema string
}

// New wraps an already-open *sql.DB. schema is recorded on the store
// (default "public") but namespaces nothing: migrations take the fixed
// advisoryLockKey and tables are created and queried unqualified, so stores
// sharing one database share the same tables.
func New(db *sql.DB, schema string) *SQLStore {
	if schema == "" {
		schema = "public"
	}
	return &SQLStore{db: db, rootDB: db, schema: schema}
}

const advisoryLockKey = 78412093 // arbitrary constant shared by all replicas migrating this schema

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		scopes JSONB NOT NULL,
		is_active BOOLEAN NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS aggregates (
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		secondary TEXT,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (kind, tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS aggregates_secondary_idx ON aggregates (kind, tenant_id, secondary)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		data JSONB NOT NULL,
		last_chain_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		seq BIGSERIAL,
		event JSONB NOT NULL,
		PRIMARY KEY (tenant_id, run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		data JSONB NOT NULL,
		last_chain_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq BIGSERIAL,
		event JSONB NOT NULL,
		PRIMARY KEY (tenant_id, session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		tenant_id TEXT NOT NULL,
		settlement_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, settlement_id)
	)`,
	`CREATE INDEX IF NOT EXISTS settlements_run_idx ON settlements (tenant_id, run_id)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (tenant_id, state, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		delivery_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		data JSONB NOT NULL,
		state TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, delivery_id)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		ttl_seconds BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)`,
}

// Migrate applies every migration once, serialized by a Postgres advisory
// lock so concurrent replicas booting together don't race DDL.
func (s *SQLStore) Migrate(ctx context.Context) error {
	conn, err := s.rootDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return err
	}
	defer conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey)

	for _, stmt := range migrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx so every method below
// works identically whether called directly or from inside Transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putAggregate(ctx context.Context, db execer, kind, tenantID, id, secondary string, v any, at time.Time) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO aggregates (kind, tenant_id, id, secondary, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, tenant_id, id) DO UPDATE SET secondary = $4, data = $5, updated_at = $6
	`, kind, tenantID, id, secondary, body, at)
	return err
}

func getAggregate(ctx context.Context, db execer, kind, tenantID, id string, out any) error {
	var body []byte
	err := db.QueryRowContext(ctx, `SELECT data FROM aggregates WHERE kind = $1 AND tenant_id = $2 AND id = $3`, kind, tenantID, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func listAggregates(ctx context.Context, db execer, kind, tenantID, secondary string, scan func([]byte) error) error {
	var rows *sql.Rows
	var err error
	if secondary != "" {
		rows, err = db.QueryContext(ctx, `SELECT data FROM aggregates WHERE kind = $1 AND tenant_id = $2 AND secondary = $3 ORDER BY id`, kind, tenantID, secondary)
	} else {
		rows, err = db.QueryContext(ctx, `SELECT data FROM aggregates WHERE kind = $1 AND tenant_id = $2 ORDER BY id`, kind, tenantID)
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := scan(body); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- Tenants & API keys ---

func (s *SQLStore) PutTenant(ctx context.Context, t *store.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, status, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET name = $2, status = $3
	`, t.TenantID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (s *SQLStore) GetTenant(ctx context.Context, tenantID string) (*store.Tenant, error) {
	var t store.Tenant
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id, name, status, created_at FROM tenants WHERE tenant_id = $1`, tenantID).
		Scan(&t.TenantID, &t.Name, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenantIDs is not part of store.Store — it backs internal/scheduler's
// cross-tenant tick.
func (s *SQLStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) PutAPIKey(ctx context.Context, k *store.APIKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, name, secret_hash, scopes, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key_id) DO UPDATE SET name = $3, secret_hash = $4, scopes = $5, is_active = $6, expires_at = $7
	`, k.KeyID, k.TenantID, k.Name, k.SecretHash, scopes, k.IsActive, k.ExpiresAt, k.CreatedAt)
	return err
}

func (s *SQLStore) GetAPIKey(ctx context.Context, keyID string) (*store.APIKey, error) {
	var k store.APIKey
	var scopes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, secret_hash, scopes, is_active, expires_at, created_at FROM api_keys WHERE key_id = $1
	`, keyID).Scan(&k.KeyID, &k.TenantID, &k.Name, &k.SecretHash, &scopes, &k.IsActive, &k.ExpiresAt, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &k.Scopes); err != nil {
		return nil, err
	}
	return &k, nil
}

// --- Agents ---

func (s *SQLStore) PutAgent(ctx context.Context, a *store.AgentIdentity) error {
	return putAggregate(ctx, s.db, "agent", a.TenantID, a.AgentID, "", a, a.UpdatedAt)
}
func (s *SQLStore) GetAgent(ctx context.Context, tenantID, agentID string) (*store.AgentIdentity, error) {
	var a store.AgentIdentity
	if err := getAggregate(ctx, s.db, "agent", tenantID, agentID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
func (s *SQLStore) ListAgents(ctx context.Context, tenantID string) ([]*store.AgentIdentity, error) {
	out := []*store.AgentIdentity{}
	err := listAggregates(ctx, s.db, "agent", tenantID, "", func(b []byte) error {
		var a store.AgentIdentity
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

// --- Wallets ---

func (s *SQLStore) PutWallet(ctx context.Context, w *store.AgentWallet) error {
	body, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallets (tenant_id, agent_id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET data = $3, updated_at = $4
	`, w.TenantID, w.AgentID, body, w.UpdatedAt)
	return err
}
func (s *SQLStore) GetWallet(ctx context.Context, tenantID, agentID string) (*store.AgentWallet, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM wallets WHERE tenant_id = $1 AND agent_id = $2`, tenantID, agentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w store.AgentWallet
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// --- Grants ---

func (s *SQLStore) PutGrant(ctx context.Context, g *store.Grant) error {
	return putAggregate(ctx, s.db, "grant", g.TenantID, g.GrantID, g.GrantHash, g, g.CreatedAt)
}
func (s *SQLStore) GetGrant(ctx context.Context, tenantID, grantID string) (*store.Grant, error) {
	var g store.Grant
	if err := getAggregate(ctx, s.db, "grant", tenantID, grantID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
func (s *SQLStore) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*store.Grant, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM aggregates WHERE kind = 'grant' AND tenant_id = $1 AND secondary = $2 LIMIT 1`, tenantID, grantHash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g store.Grant
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
func (s *SQLStore) ListGrants(ctx context.Context, tenantID string, filter store.GrantFilter) ([]*store.Grant, error) {
	out := []*store.Grant{}
	err := listAggregates(ctx, s.db, "grant", tenantID, "", func(b []byte) error {
		var g store.Grant
		if err := json.Unmarshal(b, &g); err != nil {
			return err
		}
		if filter.Kind != "" && g.Kind != filter.Kind {
			return nil
		}
		if filter.GranteeID != "" && g.GranteeID != filter.GranteeID {
			return nil
		}
		if filter.GrantorID != "" && g.GrantorID != filter.GrantorID {
			return nil
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

// --- Runs + chained events ---

func (s *SQLStore) PutRun(ctx context.Context, r *store.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (tenant_id, run_id, agent_id, data, last_chain_hash, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, run_id) DO UPDATE SET agent_id = $3, data = $4, last_chain_hash = $5, updated_at = $6
	`, r.TenantID, r.RunID, r.AgentID, body, r.LastChainHash, r.UpdatedAt)
	return err
}
func (s *SQLStore) GetRun(ctx context.Context, tenantID, runID string) (*store.Run, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r store.Run
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
func (s *SQLStore) ListRuns(ctx context.Context, tenantID, agentID string) ([]*store.Run, error) {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT data FROM runs WHERE tenant_id = $1 AND agent_id = $2 ORDER BY run_id`, tenantID, agentID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT data FROM runs WHERE tenant_id = $1 ORDER BY run_id`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*store.Run{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r store.Run
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
func (s *SQLStore) AppendRunEvent(ctx context.Context, tenantID, runID string, event *chain.Event, expectedPrevChainHash string) (*store.Run, error) {
	return appendChainedEvent(ctx, s.db, "runs", "run_events", "run_id", tenantID, runID, event, expectedPrevChainHash)
}
func (s *SQLStore) ListRunEvents(ctx context.Context, tenantID, runID string) ([]*chain.Event, error) {
	return listChainedEvents(ctx, s.db, "run_events", "run_id", tenantID, runID)
}

// appendChainedEvent enforces expectedPrevChainHash against the aggregate's
// current last_chain_hash and, on match, inserts the event and advances the
// pointer within one transaction — the SQL equivalent of memstore's
// lock-protected compare-and-swap.
func appendChainedEvent(ctx context.Context, db execer, parentTable, eventTable, idCol, tenantID, parentID string, event *chain.Event, expectedPrevChainHash string) (*store.Run, error) {
	// If db is already a *sql.Tx (we're running inside Transaction), reuse it
	// and let the caller commit; otherwise open and manage our own tx so the
	// select-then-insert-then-update sequence is still atomic standalone.
	var tx *sql.Tx
	switch v := db.(type) {
	case *sql.Tx:
		tx = v
	case *sql.DB:
		var err error
		tx, err = v.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
	default:
		return nil, errors.New("appendChainedEvent requires a *sql.DB or *sql.Tx connection")
	}
	_, alreadyInTx := db.(*sql.Tx)

	var body []byte
	var currentHash string
	err := tx.QueryRowContext(ctx, `SELECT data, last_chain_hash FROM `+parentTable+` WHERE tenant_id = $1 AND `+idCol+` = $2 FOR UPDATE`, tenantID, parentID).Scan(&body, &currentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if currentHash != expectedPrevChainHash {
		return nil, chain.ErrChainHashMismatch
	}

	var run store.Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, err
	}
	run.RunID = parentID
	run.LastChainHash = event.ChainHash
	run.UpdatedAt = event.At
	// Advance only the chain pointer fields on the stored document so a
	// session row keeps its own fields (sessionId etc.).
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	doc["lastChainHash"] = event.ChainHash
	doc["updatedAt"] = event.At
	newBody, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	eventBody, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO `+eventTable+` (tenant_id, `+idCol+`, event) VALUES ($1, $2, $3)`, tenantID, parentID, eventBody); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+parentTable+` SET data = $1, last_chain_hash = $2, updated_at = $3 WHERE tenant_id = $4 AND `+idCol+` = $5`,
		newBody, run.LastChainHash, run.UpdatedAt, tenantID, parentID); err != nil {
		return nil, err
	}
	if !alreadyInTx {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func listChainedEvents(ctx context.Context, db execer, eventTable, idCol, tenantID, parentID string) ([]*chain.Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT event FROM `+eventTable+` WHERE tenant_id = $1 AND `+idCol+` = $2 ORDER BY seq`, tenantID, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*chain.Event{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e chain.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Sessions + chained events ---

func (s *SQLStore) PutSession(ctx context.Context, sess *store.Session) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, session_id, data, last_chain_hash, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET data = $3, last_chain_hash = $4, updated_at = $5
	`, sess.TenantID, sess.SessionID, body, sess.LastChainHash, sess.UpdatedAt)
	return err
}
func (s *SQLStore) GetSession(ctx context.Context, tenantID, id string) (*store.Session, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE tenant_id = $1 AND session_id = $2`, tenantID, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess store.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
func (s *SQLStore) AppendSessionEvent(ctx context.Context, tenantID, sessionID string, event *chain.Event, expectedPrevChainHash string) (*store.Session, error) {
	run, err := appendChainedEvent(ctx, s.db, "sessions", "session_events", "session_id", tenantID, sessionID, event, expectedPrevChainHash)
	if err != nil {
		return nil, err
	}
	return &store.Session{SchemaVersion: run.SchemaVersion, TenantID: run.TenantID, SessionID: run.RunID, AgentID: run.AgentID, LastChainHash: run.LastChainHash, CreatedAt: run.CreatedAt, UpdatedAt: run.UpdatedAt}, nil
}
func (s *SQLStore) ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*chain.Event, error) {
	return listChainedEvents(ctx, s.db, "session_events", "session_id", tenantID, sessionID)
}

// --- Settlements ---

func (s *SQLStore) PutSettlement(ctx context.Context, st *store.Settlement) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlements (tenant_id, settlement_id, run_id, data, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, settlement_id) DO UPDATE SET run_id = $3, data = $4, updated_at = $5
	`, st.TenantID, st.SettlementID, st.RunID, body, st.UpdatedAt)
	return err
}
func (s *SQLStore) GetSettlement(ctx context.Context, tenantID, id string) (*store.Settlement, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settlements WHERE tenant_id = $1 AND settlement_id = $2`, tenantID, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st store.Settlement
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
func (s *SQLStore) GetSettlementByRun(ctx context.Context, tenantID, runID string) (*store.Settlement, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settlements WHERE tenant_id = $1 AND run_id = $2 LIMIT 1`, tenantID, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st store.Settlement
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Tool-call kernel artifacts ---

func (s *SQLStore) PutAgreement(ctx context.Context, a *store.ToolCallAgreement) error {
	return putAggregate(ctx, s.db, "agreement", a.TenantID, a.AgreementHash, "", a, a.CreatedAt)
}
func (s *SQLStore) GetAgreement(ctx context.Context, tenantID, hash string) (*store.ToolCallAgreement, error) {
	var a store.ToolCallAgreement
	if err := getAggregate(ctx, s.db, "agreement", tenantID, hash, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
func (s *SQLStore) PutEvidence(ctx context.Context, e *store.ToolCallEvidence) error {
	return putAggregate(ctx, s.db, "evidence", e.TenantID, e.EvidenceHash, "", e, e.CreatedAt)
}
func (s *SQLStore) GetEvidence(ctx context.Context, tenantID, hash string) (*store.ToolCallEvidence, error) {
	var e store.ToolCallEvidence
	if err := getAggregate(ctx, s.db, "evidence", tenantID, hash, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
func (s *SQLStore) PutHold(ctx context.Context, h *store.FundingHold) error {
	return putAggregate(ctx, s.db, "hold", h.TenantID, h.HoldHash, string(h.State), h, h.UpdatedAt)
}
func (s *SQLStore) GetHold(ctx context.Context, tenantID, hash string) (*store.FundingHold, error) {
	var h store.FundingHold
	if err := getAggregate(ctx, s.db, "hold", tenantID, hash, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
func (s *SQLStore) ListHolds(ctx context.Context, tenantID string, state store.FundingHoldState) ([]*store.FundingHold, error) {
	out := []*store.FundingHold{}
	err := listAggregates(ctx, s.db, "hold", tenantID, "", func(b []byte) error {
		var h store.FundingHold
		if err := json.Unmarshal(b, &h); err != nil {
			return err
		}
		if state != "" && h.State != state {
			return nil
		}
		out = append(out, &h)
		return nil
	})
	return out, err
}
func (s *SQLStore) PutArbitrationCase(ctx context.Context, c *store.ArbitrationCase) error {
	return putAggregate(ctx, s.db, "arbitration_case", c.TenantID, c.CaseID, "", c, c.UpdatedAt)
}
func (s *SQLStore) GetArbitrationCase(ctx context.Context, tenantID, id string) (*store.ArbitrationCase, error) {
	var c store.ArbitrationCase
	if err := getAggregate(ctx, s.db, "arbitration_case", tenantID, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Agent cards ---

func (s *SQLStore) PutAgentCard(ctx context.Context, c *store.AgentCard) error {
	return putAggregate(ctx, s.db, "agent_card", c.TenantID, c.AgentID, "", c, time.Now())
}
func (s *SQLStore) ListAgentCards(ctx context.Context, tenantID string) ([]*store.AgentCard, error) {
	out := []*store.AgentCard{}
	err := listAggregates(ctx, s.db, "agent_card", tenantID, "", func(b []byte) error {
		var c store.AgentCard
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

// --- Work orders + receipts ---

func (s *SQLStore) PutWorkOrder(ctx context.Context, w *store.WorkOrder) error {
	return putAggregate(ctx, s.db, "work_order", w.TenantID, w.WorkOrderID, "", w, w.UpdatedAt)
}
func (s *SQLStore) GetWorkOrder(ctx context.Context, tenantID, id string) (*store.WorkOrder, error) {
	var w store.WorkOrder
	if err := getAggregate(ctx, s.db, "work_order", tenantID, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
func (s *SQLStore) ListWorkOrders(ctx context.Context, tenantID string) ([]*store.WorkOrder, error) {
	out := []*store.WorkOrder{}
	err := listAggregates(ctx, s.db, "work_order", tenantID, "", func(b []byte) error {
		var w store.WorkOrder
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		out = append(out, &w)
		return nil
	})
	return out, err
}
func (s *SQLStore) PutReceipt(ctx context.Context, r *store.CompletionReceipt) error {
	return putAggregate(ctx, s.db, "receipt", r.TenantID, r.WorkOrderID, "", r, r.CreatedAt)
}
func (s *SQLStore) GetReceipt(ctx context.Context, tenantID, workOrderID string) (*store.CompletionReceipt, error) {
	var r store.CompletionReceipt
	if err := getAggregate(ctx, s.db, "receipt", tenantID, workOrderID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Attestations ---

func (s *SQLStore) PutAttestation(ctx context.Context, a *store.Attestation) error {
	return putAggregate(ctx, s.db, "attestation", a.TenantID, a.AttestationID, "", a, a.CreatedAt)
}
func (s *SQLStore) GetAttestation(ctx context.Context, tenantID, id string) (*store.Attestation, error) {
	var a store.Attestation
	if err := getAggregate(ctx, s.db, "attestation", tenantID, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Outbox + delivery ---

func (s *SQLStore) EnqueueOutbox(ctx context.Context, msg *store.OutboxMessage) (*store.OutboxMessage, error) {
	cp := *msg
	if cp.State == "" {
		cp.State = store.OutboxPending
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO outbox (tenant_id, state, next_attempt_at, data) VALUES ($1, $2, $3, $4) RETURNING id
	`, cp.TenantID, cp.State, cp.NextAttemptAt, body).Scan(&cp.ID)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ClaimPendingOutbox claims up to limit pending rows whose next_attempt_at
// has elapsed, skipping rows already locked by another worker. The claim
// itself runs in one transaction (select-for-update-skip-locked, then a
// short lease bump) so the lock isn't released the instant the SELECT
// statement finishes, mirroring Mindburn-Labs-helm's AcquireNextPending
// select-then-lease shape.
func (s *SQLStore) ClaimPendingOutbox(ctx context.Context, tenantID string, limit int) ([]*store.OutboxMessage, error) {
	tx, err := s.rootDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, data FROM outbox
		WHERE tenant_id = $1 AND state = $2 AND next_attempt_at <= now()
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, tenantID, store.OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	out := []*store.OutboxMessage{}
	ids := []int64{}
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return nil, err
		}
		var m store.OutboxMessage
		if err := json.Unmarshal(body, &m); err != nil {
			rows.Close()
			return nil, err
		}
		m.ID = id
		out = append(out, &m)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lease := time.Now().Add(30 * time.Second)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET next_attempt_at = $1 WHERE id = $2`, lease, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
func (s *SQLStore) MarkOutboxProcessed(ctx context.Context, tenantID string, id int64) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = $1, data = jsonb_set(data, '{processedAt}', to_jsonb($2::text)) WHERE tenant_id = $3 AND id = $4`,
		store.OutboxProcessed, now.Format(time.RFC3339Nano), tenantID, id)
	return checkRowsAffected(res, err)
}
func (s *SQLStore) MarkOutboxRetry(ctx context.Context, tenantID string, id int64, lastError string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET next_attempt_at = $1,
			data = jsonb_set(jsonb_set(data, '{lastError}', to_jsonb($2::text)), '{attempt}', to_jsonb(COALESCE((data->>'attempt')::int, 0) + 1))
		WHERE tenant_id = $3 AND id = $4
	`, nextAttemptAt, lastError, tenantID, id)
	return checkRowsAffected(res, err)
}
func (s *SQLStore) MarkOutboxDLQ(ctx context.Context, tenantID string, id int64, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = $1, data = jsonb_set(data, '{lastError}', to_jsonb($2::text)) WHERE tenant_id = $3 AND id = $4
	`, store.OutboxDLQ, lastError, tenantID, id)
	return checkRowsAffected(res, err)
}
func (s *SQLStore) ListOutbox(ctx context.Context, tenantID string, filter store.OutboxFilter) ([]*store.OutboxMessage, error) {
	var rows *sql.Rows
	var err error
	if filter.State != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, data FROM outbox WHERE tenant_id = $1 AND state = $2 ORDER BY id`, tenantID, filter.State)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, data FROM outbox WHERE tenant_id = $1 ORDER BY id`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*store.OutboxMessage{}
	for rows.Next() {
		var id int64
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var m store.OutboxMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		m.ID = id
		out = append(out, &m)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) PutDelivery(ctx context.Context, d *store.DeliveryRecord) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliveries (delivery_id, tenant_id, data, state, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, delivery_id) DO UPDATE SET data = $3, state = $4, updated_at = $5
	`, d.DeliveryID, d.TenantID, body, d.State, d.UpdatedAt)
	return err
}
func (s *SQLStore) GetDelivery(ctx context.Context, tenantID, id string) (*store.DeliveryRecord, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM deliveries WHERE tenant_id = $1 AND delivery_id = $2`, tenantID, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d store.DeliveryRecord
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
func (s *SQLStore) ListDeliveries(ctx context.Context, tenantID string, state store.DeliveryState) ([]*store.DeliveryRecord, error) {
	var rows *sql.Rows
	var err error
	if state != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT data FROM deliveries WHERE tenant_id = $1 AND state = $2 ORDER BY delivery_id`, tenantID, state)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT data FROM deliveries WHERE tenant_id = $1 ORDER BY delivery_id`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*store.DeliveryRecord{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d store.DeliveryRecord
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Idempotency ---

func (s *SQLStore) GetIdempotency(ctx context.Context, tenantID, key string) (*store.IdempotencyRecord, error) {
	var body []byte
	var createdAt time.Time
	var ttlSeconds int64
	err := s.db.QueryRowContext(ctx, `SELECT data, created_at, ttl_seconds FROM idempotency WHERE tenant_id = $1 AND key = $2`, tenantID, key).
		Scan(&body, &createdAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if time.Now().After(createdAt.Add(ttl)) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE tenant_id = $1 AND key = $2`, tenantID, key)
		return nil, store.ErrNotFound
	}
	var rec store.IdempotencyRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	rec.CreatedAt = createdAt
	rec.TTL = ttl
	return &rec, nil
}
func (s *SQLStore) PutIdempotency(ctx context.Context, rec *store.IdempotencyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency (tenant_id, key, data, created_at, ttl_seconds) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, key) DO UPDATE SET data = $3, created_at = $4, ttl_seconds = $5
	`, rec.TenantID, rec.Key, body, rec.CreatedAt, int64(rec.TTL/time.Second))
	return err
}
func (s *SQLStore) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE created_at + (ttl_seconds || ' seconds')::interval < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Keyset ---

func (s *SQLStore) GetKeyset(ctx context.Context, tenantID string) (*store.KeysetStore, error) {
	var k store.KeysetStore
	if err := getAggregate(ctx, s.db, "keyset", tenantID, tenantID, &k); err != nil {
		return nil, err
	}
	return &k, nil
}
func (s *SQLStore) PutKeyset(ctx context.Context, k *store.KeysetStore) error {
	return putAggregate(ctx, s.db, "keyset", k.TenantID, k.TenantID, "", k, time.Now())
}

// --- Transaction / RawSQL ---

// Transaction opens a real *sql.Tx and hands fn a fresh *SQLStore value
// whose db field is that transaction, so every borrowed method (PutRun,
// AppendRunEvent, ...) reads and writes through it without any embedding
// trick — it's a plain new struct, not a wrapper overriding a method the
// embedded type already bound.
func (s *SQLStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	tx, err := s.rootDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	wrapped := &SQLStore{db: tx, rootDB: s.rootDB, schema: s.schema}
	if err := fn(ctx, wrapped); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) RawSQL(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
