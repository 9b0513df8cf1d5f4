package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/disputes"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
	"github.com/nooterra/settld-core/internal/toolcalls"
)

type staticRegistry struct {
	destinations []outbox.Destination
}

func (r staticRegistry) DestinationsFor(_ context.Context, _, _ string) ([]outbox.Destination, error) {
	return r.destinations, nil
}

func seedTenant(t *testing.T, s store.Store, tenantID string) {
	t.Helper()
	require.NoError(t, s.PutTenant(context.Background(), &store.Tenant{
		TenantID: tenantID, Name: tenantID, Status: "active", CreatedAt: time.Now(),
	}))
}

func seedWallet(t *testing.T, s store.Store, tenantID, agentID string, availableCents, escrowLockedCents int64) {
	t.Helper()
	seedTenant(t, s, tenantID)
	require.NoError(t, s.PutWallet(context.Background(), &store.AgentWallet{
		SchemaVersion:     "1",
		TenantID:          tenantID,
		AgentID:           agentID,
		AvailableCents:    availableCents,
		EscrowLockedCents: escrowLockedCents,
		Currency:          "USD",
		UpdatedAt:         time.Now(),
	}))
}

func TestTickPumpsOutboxPerTenant(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	seedTenant(t, s, "t1")
	_, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "settlement.released", AggregateType: "settlement", AggregateID: "stl_1",
		Payload: map[string]any{"settlementId": "stl_1"},
	})
	require.NoError(t, err)

	worker := &outbox.Worker{
		Store: s,
		Registry: staticRegistry{destinations: []outbox.Destination{
			{ID: "dest_1", URL: "", Secret: "shh"},
		}},
	}

	sched := &Scheduler{
		Store:         s,
		Outbox:        worker,
		StaticTenants: []string{"t1"},
	}
	sched.Tick(ctx)

	dlq, err := s.ListDeliveries(ctx, "t1", store.DeliveryFailed)
	require.NoError(t, err)
	require.NotEmpty(t, dlq, "pump should have attempted delivery (and recorded a failure against the empty URL)")
}

func TestTickAutoReleasesExpiredHold(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 1000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	past := time.Now().Add(-time.Hour)
	hold, err := toolcalls.CreateHold(tenantID, toolcalls.CreateHoldParams{
		AgreementHash: "agr_1", ReceiptHash: "rcp_1",
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 1000, HoldbackBps: 10000, ChallengeWindowMs: 1,
	}, past)
	require.NoError(t, err)
	require.NoError(t, s.PutHold(ctx, hold))

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetHold(ctx, tenantID, hold.HoldHash)
	require.NoError(t, err)
	require.Equal(t, store.HoldReleased, got.State)

	payee, err := s.GetWallet(ctx, tenantID, "payee")
	require.NoError(t, err)
	require.Equal(t, int64(1000), payee.AvailableCents)
}

func TestTickLeavesUnexpiredHoldAlone(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 1000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	hold, err := toolcalls.CreateHold(tenantID, toolcalls.CreateHoldParams{
		AgreementHash: "agr_1", ReceiptHash: "rcp_1",
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 1000, HoldbackBps: 10000, ChallengeWindowMs: int64(time.Hour/time.Millisecond),
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutHold(ctx, hold))

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetHold(ctx, tenantID, hold.HoldHash)
	require.NoError(t, err)
	require.Equal(t, store.HoldLocked, got.State)
}

func seedSettlement(t *testing.T, s store.Store, tenantID, runID string, st *store.Settlement) {
	t.Helper()
	require.NoError(t, s.PutRun(context.Background(), &store.Run{
		SchemaVersion: "1", TenantID: tenantID, RunID: runID, AgentID: "agent_1",
		Status: store.RunStarted, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	st.TenantID = tenantID
	st.RunID = runID
	require.NoError(t, s.PutSettlement(context.Background(), st))
}

func TestTickClosesExpiredDisputeWindowAndReleasesInFull(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 5000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	past := time.Now().Add(-time.Minute)
	seedSettlement(t, s, tenantID, "run_1", &store.Settlement{
		SchemaVersion: "1", SettlementID: "run_1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 5000, Currency: "USD", Status: store.SettlementLocked,
		DisputeStatus: store.DisputeNone, DisputeWindowEndsAt: &past,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetSettlementByRun(ctx, tenantID, "run_1")
	require.NoError(t, err)
	require.Equal(t, store.SettlementReleased, got.Status)
	require.Equal(t, int64(5000), got.ReleasedAmountCents)

	payee, err := s.GetWallet(ctx, tenantID, "payee")
	require.NoError(t, err)
	require.Equal(t, int64(5000), payee.AvailableCents)
}

func TestTickDoesNotCloseSettlementWithOpenDispute(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 5000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	past := time.Now().Add(-time.Minute)
	seedSettlement(t, s, tenantID, "run_1", &store.Settlement{
		SchemaVersion: "1", SettlementID: "run_1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 5000, Currency: "USD", Status: store.SettlementLocked,
		DisputeStatus: store.DisputeOpen, DisputeID: "dsp_1", DisputeWindowEndsAt: &past,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetSettlementByRun(ctx, tenantID, "run_1")
	require.NoError(t, err)
	require.Equal(t, store.SettlementLocked, got.Status)
}

func TestTickEscalatesStaleDisputeToNextLevel(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 5000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	stale := time.Now().Add(-100 * time.Hour)
	seedSettlement(t, s, tenantID, "run_1", &store.Settlement{
		SchemaVersion: "1", SettlementID: "run_1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 5000, Currency: "USD", Status: store.SettlementLocked,
		DisputeStatus: store.DisputeOpen, DisputeID: "dsp_1",
		CreatedAt: stale, UpdatedAt: stale,
	})

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetSettlementByRun(ctx, tenantID, "run_1")
	require.NoError(t, err)
	require.Equal(t, store.DisputeEscalated, got.DisputeStatus)
	require.Equal(t, string(disputes.LevelCounterparty), got.EscalationLevel)
}

func TestTickDoesNotEscalateBeforeTimeout(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tenantID := "t1"
	seedWallet(t, s, tenantID, "payer", 0, 5000)
	seedWallet(t, s, tenantID, "payee", 0, 0)

	recent := time.Now().Add(-time.Minute)
	seedSettlement(t, s, tenantID, "run_1", &store.Settlement{
		SchemaVersion: "1", SettlementID: "run_1", PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 5000, Currency: "USD", Status: store.SettlementLocked,
		DisputeStatus: store.DisputeOpen, DisputeID: "dsp_1",
		CreatedAt: recent, UpdatedAt: recent,
	})

	sched := &Scheduler{Store: s, StaticTenants: []string{tenantID}}
	sched.Tick(ctx)

	got, err := s.GetSettlementByRun(ctx, tenantID, "run_1")
	require.NoError(t, err)
	require.Equal(t, store.DisputeOpen, got.DisputeStatus)
	require.Equal(t, "", got.EscalationLevel)
}

func TestTickSweepsExpiredIdempotencyAcrossTenants(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	seedTenant(t, s, "t1")
	require.NoError(t, s.PutIdempotency(ctx, &store.IdempotencyRecord{
		TenantID: "t1", Key: "k1", RequestFingerprint: "fp",
		CreatedAt: time.Now().Add(-time.Hour), TTL: time.Minute,
	}))

	sched := &Scheduler{Store: s, StaticTenants: []string{"t1"}}
	sched.Tick(ctx)

	n, err := s.DeleteExpiredIdempotency(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n, "the tick should already have swept the expired record")
}

func TestTenantIDsPrefersTenantListerOverStaticTenants(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutTenant(ctx, &store.Tenant{TenantID: "from-lister", Name: "Lister Co", Status: "active", CreatedAt: time.Now()}))

	sched := &Scheduler{Store: s, StaticTenants: []string{"from-static"}}
	ids, err := sched.tenantIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "from-lister")
	require.NotContains(t, ids, "from-static")
}

func TestStartStopIsIdempotentAndSynchronous(t *testing.T) {
	s := memstore.New()
	sched := &Scheduler{Store: s, Interval: time.Millisecond, StaticTenants: []string{"t1"}}

	ctx := context.Background()
	sched.Start(ctx)
	sched.Start(ctx) // no-op, must not deadlock or double-launch
	time.Sleep(5 * time.Millisecond)
	sched.Stop()
	sched.Stop() // no-op on an already-stopped scheduler
}

func TestNextEscalationOrder(t *testing.T) {
	sched := &Scheduler{}
	level, timeout, ok := sched.nextEscalation("")
	require.True(t, ok)
	require.Equal(t, disputes.LevelCounterparty, level)
	require.Equal(t, 72*time.Hour, timeout)

	level, _, ok = sched.nextEscalation(disputes.LevelCounterparty)
	require.True(t, ok)
	require.Equal(t, disputes.LevelArbiter, level)

	level, _, ok = sched.nextEscalation(disputes.LevelArbiter)
	require.True(t, ok)
	require.Equal(t, disputes.LevelPlatform, level)

	_, _, ok = sched.nextEscalation(disputes.LevelPlatform)
	require.False(t, ok)
}
