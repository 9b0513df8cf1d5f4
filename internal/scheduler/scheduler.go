// Package scheduler runs the settlement core's background maintenance tick:
// outbox pump, hold expiry auto-release, settlement dispute-window closure,
// dispute timeout escalation, and idempotency TTL sweep (spec.md §4.K).
// Grounded on the teacher's internal/reputation/decay_scheduler.go
// ticker-goroutine shape and internal/webhooks/dispatcher.go's
// claim-and-drain pump loop, generalized from a single in-process table to
// a cross-tenant sweep driven off internal/store.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nooterra/settld-core/internal/disputes"
	"github.com/nooterra/settld-core/internal/monitoring"
	"github.com/nooterra/settld-core/internal/outbox"
	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/toolcalls"
	"github.com/nooterra/settld-core/internal/wallet"
)

// TenantLister is implemented by store back-ends that can enumerate every
// tenant they hold (memstore.MemStore, sqlstore.SQLStore). It is not part of
// store.Store — the scheduler is the only caller that needs cross-tenant
// iteration, and adding it to the core interface would force single-tenant
// callers to implement a method they never use.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// EscalationTimeouts bounds how long a dispute can sit at one escalation
// level before the scheduler advances it unilaterally. The exact thresholds
// are left to the implementation; these start from a three-day (72h)
// counterparty window widening at each level, recorded in DESIGN.md.
type EscalationTimeouts struct {
	ToCounterparty time.Duration // open -> l1_counterparty
	ToArbiter      time.Duration // l1_counterparty -> l2_arbiter
	ToPlatform     time.Duration // l2_arbiter -> l3_platform
}

// DefaultEscalationTimeouts matches the decision recorded in DESIGN.md.
func DefaultEscalationTimeouts() EscalationTimeouts {
	return EscalationTimeouts{
		ToCounterparty: 72 * time.Hour,
		ToArbiter:      7 * 24 * time.Hour,
		ToPlatform:     14 * 24 * time.Hour,
	}
}

// Scheduler is the single cooperative tick described by spec.md §4.K.
type Scheduler struct {
	Store      store.Store
	Outbox     *outbox.Worker
	Interval   time.Duration
	Escalation EscalationTimeouts
	// StaticTenants is consulted when Store does not implement TenantLister.
	StaticTenants []string
	OutboxBatch   int
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *monitoring.Metrics

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) outboxBatch() int {
	if s.OutboxBatch > 0 {
		return s.OutboxBatch
	}
	return 25
}

// Start launches the tick goroutine. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	stopCh := s.stopCh
	stopped := s.stopped
	s.mu.Unlock()

	interval := s.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger().Info("scheduler started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-stopCh:
				s.logger().Info("scheduler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop blocks until the tick goroutine has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	stopped := s.stopped
	s.stopCh = nil
	s.stopped = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
}

// Tick runs one full cooperative sweep across every tenant. Exported so
// tests can drive it without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	err := s.tick(ctx)
	if s.Metrics != nil {
		s.Metrics.RecordSchedulerTick(err, s.now().Sub(start))
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	tenantIDs, err := s.tenantIDs(ctx)
	if err != nil {
		s.logger().Warn("scheduler: tenant enumeration failed", "error", err)
		return err
	}

	for _, tenantID := range tenantIDs {
		s.pumpOutbox(ctx, tenantID)
		s.releaseExpiredHolds(ctx, tenantID)
		s.closeExpiredDisputeWindows(ctx, tenantID)
		s.escalateStaleDisputes(ctx, tenantID)
	}

	if n, err := s.Store.DeleteExpiredIdempotency(ctx, s.now()); err != nil {
		s.logger().Warn("scheduler: idempotency sweep failed", "error", err)
		return err
	} else if n > 0 {
		s.logger().Info("scheduler: swept expired idempotency records", "count", n)
	}
	return nil
}

func (s *Scheduler) tenantIDs(ctx context.Context) ([]string, error) {
	if lister, ok := s.Store.(TenantLister); ok {
		return lister.ListTenantIDs(ctx)
	}
	return s.StaticTenants, nil
}

func (s *Scheduler) pumpOutbox(ctx context.Context, tenantID string) {
	if s.Outbox == nil {
		return
	}
	if _, err := s.Outbox.Pump(ctx, tenantID, s.outboxBatch()); err != nil {
		s.logger().Warn("scheduler: outbox pump failed", "tenant", tenantID, "error", err)
	}
}

// releaseExpiredHolds auto-releases holdback-period funding holds whose
// challenge window has elapsed without a dispute being opened (spec.md
// §4.K, §4.F).
func (s *Scheduler) releaseExpiredHolds(ctx context.Context, tenantID string) {
	holds, err := s.Store.ListHolds(ctx, tenantID, store.HoldLocked)
	if err != nil {
		s.logger().Warn("scheduler: list holds failed", "tenant", tenantID, "error", err)
		return
	}
	now := s.now()
	for _, h := range holds {
		if !toolcalls.IsExpired(h, now) {
			continue
		}
		holdHash := h.HoldHash
		err := s.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
			hold, err := tx.GetHold(ctx, tenantID, holdHash)
			if err != nil {
				return err
			}
			if hold.State != store.HoldLocked || !toolcalls.IsExpired(hold, now) {
				return nil
			}
			payer, err := tx.GetWallet(ctx, tenantID, hold.PayerAgentID)
			if err != nil {
				return err
			}
			payee, err := tx.GetWallet(ctx, tenantID, hold.PayeeAgentID)
			if err != nil {
				return err
			}
			newPayer, newPayee, err := wallet.Release(payer, payee, hold.HeldAmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, newPayer); err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, newPayee); err != nil {
				return err
			}
			cp := *hold
			cp.State = store.HoldReleased
			cp.UpdatedAt = now
			return tx.PutHold(ctx, &cp)
		})
		if err != nil {
			s.logger().Warn("scheduler: hold auto-release failed", "tenant", tenantID, "hold", holdHash, "error", err)
			continue
		}
		s.logger().Info("scheduler: auto-released hold", "tenant", tenantID, "hold", holdHash)
	}
}

// closeExpiredDisputeWindows finalizes run settlements whose dispute window
// closed with no dispute ever opened, releasing the full amount to the
// payee (spec.md §4.K).
func (s *Scheduler) closeExpiredDisputeWindows(ctx context.Context, tenantID string) {
	runs, err := s.Store.ListRuns(ctx, tenantID, "")
	if err != nil {
		s.logger().Warn("scheduler: list runs failed", "tenant", tenantID, "error", err)
		return
	}
	now := s.now()
	for _, run := range runs {
		settlementID := run.RunID
		err := s.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
			st, err := tx.GetSettlementByRun(ctx, tenantID, run.RunID)
			if err != nil {
				return nil // no settlement on this run; nothing to close
			}
			if st.Status != store.SettlementLocked {
				return nil
			}
			if st.DisputeStatus != store.DisputeNone {
				return nil
			}
			if st.DisputeWindowEndsAt == nil || now.Before(*st.DisputeWindowEndsAt) {
				return nil
			}
			payer, err := tx.GetWallet(ctx, tenantID, st.PayerAgentID)
			if err != nil {
				return err
			}
			payee, err := tx.GetWallet(ctx, tenantID, st.PayeeAgentID)
			if err != nil {
				return err
			}
			newPayer, newPayee, err := wallet.Release(payer, payee, st.AmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, newPayer); err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, newPayee); err != nil {
				return err
			}
			cp := *st
			cp.Status = store.SettlementReleased
			cp.ReleasedAmountCents = st.AmountCents
			cp.UpdatedAt = now
			settlementID = cp.SettlementID
			return tx.PutSettlement(ctx, &cp)
		})
		if err != nil {
			s.logger().Warn("scheduler: settlement window closure failed", "tenant", tenantID, "settlement", settlementID, "error", err)
		}
	}
}

// escalateStaleDisputes advances a dispute to the next escalation level once
// it has sat past EscalationTimeouts at its current level (spec.md §4.K).
func (s *Scheduler) escalateStaleDisputes(ctx context.Context, tenantID string) {
	runs, err := s.Store.ListRuns(ctx, tenantID, "")
	if err != nil {
		return
	}
	now := s.now()
	for _, run := range runs {
		err := s.Store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
			st, err := tx.GetSettlementByRun(ctx, tenantID, run.RunID)
			if err != nil {
				return nil
			}
			if st.DisputeStatus != store.DisputeOpen && st.DisputeStatus != store.DisputeEscalated {
				return nil
			}
			nextLevel, timeout, ok := s.nextEscalation(disputes.EscalationLevel(st.EscalationLevel))
			if !ok {
				return nil
			}
			if now.Sub(st.UpdatedAt) < timeout {
				return nil
			}
			updated, err := disputes.Escalate(st, st.DisputeID, nextLevel, now)
			if err != nil {
				return err
			}
			return tx.PutSettlement(ctx, updated)
		})
		if err != nil {
			s.logger().Warn("scheduler: dispute escalation failed", "tenant", tenantID, "run", run.RunID, "error", err)
		}
	}
}

func (s *Scheduler) nextEscalation(current disputes.EscalationLevel) (disputes.EscalationLevel, time.Duration, bool) {
	timeouts := s.Escalation
	if timeouts == (EscalationTimeouts{}) {
		timeouts = DefaultEscalationTimeouts()
	}
	switch current {
	case "":
		return disputes.LevelCounterparty, timeouts.ToCounterparty, true
	case disputes.LevelCounterparty:
		return disputes.LevelArbiter, timeouts.ToArbiter, true
	case disputes.LevelArbiter:
		return disputes.LevelPlatform, timeouts.ToPlatform, true
	default:
		return "", 0, false
	}
}
