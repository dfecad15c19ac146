package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fitledger/internal/metrics"
	"fitledger/internal/model"
	"fitledger/internal/notifier"
)

// ProfessorHourService owns the professor hour ledger. Hours live in two
// pools: available_hours is spendable, locked_hours is bonus in flight. Bonus
// hours mature into the available pool on lesson completion, not wall-clock.
type ProfessorHourService struct {
	store    HourStore
	tenants  TenantStore
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

func NewProfessorHourService(store HourStore, tenants TenantStore, n notifier.Notifier, m *metrics.Metrics, log *logrus.Logger) *ProfessorHourService {
	if n == nil {
		n = notifier.Nop{}
	}
	return &ProfessorHourService{store: store, tenants: tenants, notifier: n, metrics: m, log: log}
}

func (s *ProfessorHourService) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.LedgerOps.WithLabelValues("professor", op, outcome).Inc()
	}
}

func (s *ProfessorHourService) key(ctx context.Context, professorID string, scope model.Scope) (ProfessorKey, error) {
	scope, err := resolveScope(ctx, s.tenants, scope)
	if err != nil {
		return ProfessorKey{}, err
	}
	return ProfessorKey{ProfessorID: professorID, Scope: scope}, nil
}

// GetOrCreateBalance returns the professor's balance in the resolved scope,
// inserting a zeroed row on first contact.
func (s *ProfessorHourService) GetOrCreateBalance(ctx context.Context, professorID string, scope model.Scope) (*model.ProfessorHourBalance, error) {
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreate(ctx, key)
}

// Purchase credits hours into the spendable pool.
func (s *ProfessorHourService) Purchase(ctx context.Context, professorID string, scope model.Scope, hours int64, source model.TxnSource, meta map[string]string) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "purchase")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		b.AvailableHours += hours
		return &model.HourTransaction{Type: model.HourTxnPurchase, Source: source, Hours: hours, Meta: meta}, nil
	})
	if err != nil {
		s.observe("purchase", "error")
		return nil, nil, err
	}
	s.observe("purchase", "ok")

	s.notifier.CreditsPurchased(ctx, s.event(bal, hours, ""))
	return bal, txn, nil
}

// Lock reserves hours the professor already owns, guarded by the spendable
// remainder (available minus what is already locked).
func (s *ProfessorHourService) Lock(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "lock")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		if spendable := b.Spendable(); spendable < hours {
			return nil, &model.InsufficientBalanceError{Available: spendable, Required: hours}
		}
		b.LockedHours += hours
		return &model.HourTransaction{Type: model.HourTxnLock, Source: source, Hours: hours, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("lock", "error")
		return nil, nil, err
	}
	s.observe("lock", "ok")
	return bal, txn, nil
}

// Unlock releases a standard reservation.
func (s *ProfessorHourService) Unlock(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "unlock")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		if b.LockedHours < hours {
			return nil, &model.InsufficientLockedBalanceError{Locked: b.LockedHours, Required: hours}
		}
		b.LockedHours -= hours
		return &model.HourTransaction{Type: model.HourTxnUnlock, Source: source, Hours: hours, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("unlock", "error")
		return nil, nil, err
	}
	s.observe("unlock", "ok")
	return bal, txn, nil
}

// LockBonus creates new locked hours as a platform reward for taking a
// booking. There is no balance precondition: the hours do not exist until the
// platform mints them here. unlockAt is optional — maturity is normally tied
// to lesson completion, not wall-clock.
func (s *ProfessorHourService) LockBonus(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, unlockAt *time.Time, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "lock_bonus")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		b.LockedHours += hours
		return &model.HourTransaction{Type: model.HourTxnBonusLock, Source: source, Hours: hours, BookingID: bookingID, UnlockAt: unlockAt}, nil
	})
	if err != nil {
		s.observe("lock_bonus", "error")
		return nil, nil, err
	}
	s.observe("lock_bonus", "ok")
	return bal, txn, nil
}

// UnlockBonus matures bonus hours on lesson completion, moving
// min(hours, locked) from locked to available. With nothing locked it records
// a zero-effect transaction and never fails.
func (s *ProfessorHourService) UnlockBonus(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}
	return s.unlockBonus(ctx, key, hours, bookingID, source)
}

// ReleaseExpiredBonusLock matures a bonus-lock row returned by
// ListExpiredLocks, addressing the balance by the key stored on the row so a
// since-deactivated tenant cannot redirect the release to the principal
// fallback.
func (s *ProfessorHourService) ReleaseExpiredBonusLock(ctx context.Context, lock model.HourTransaction) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	if lock.Hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key := ProfessorKey{ProfessorID: lock.ProfessorID, Scope: model.Scope{TenantID: lock.TenantID, UnitID: lock.UnitID}}
	return s.unlockBonus(ctx, key, lock.Hours, lock.BookingID, model.SourceSystem)
}

func (s *ProfessorHourService) unlockBonus(ctx context.Context, key ProfessorKey, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "unlock_bonus")()

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		moved := hours
		if b.LockedHours < moved {
			moved = b.LockedHours
		}
		b.LockedHours -= moved
		b.AvailableHours += moved
		return &model.HourTransaction{Type: model.HourTxnBonusUnlock, Source: source, Hours: moved, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("unlock_bonus", "error")
		return nil, nil, err
	}
	s.observe("unlock_bonus", "ok")
	return bal, txn, nil
}

// RevokeBonusLock removes up to min(hours, locked) in-flight bonus hours
// without crediting the available pool (booking cancelled before
// completion). Like UnlockBonus it is a safe no-op on an empty lock pool.
func (s *ProfessorHourService) RevokeBonusLock(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "revoke_bonus")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		removed := hours
		if b.LockedHours < removed {
			removed = b.LockedHours
		}
		b.LockedHours -= removed
		return &model.HourTransaction{Type: model.HourTxnRevoke, Source: source, Hours: removed, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("revoke_bonus", "error")
		return nil, nil, err
	}
	s.observe("revoke_bonus", "ok")
	return bal, txn, nil
}

// ConsumeAvailable debits spendable hours directly for loyalty-program
// bookings, which bypass the lock/unlock cycle.
func (s *ProfessorHourService) ConsumeAvailable(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "consume")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		if spendable := b.Spendable(); spendable < hours {
			return nil, &model.InsufficientBalanceError{Available: spendable, Required: hours}
		}
		b.AvailableHours -= hours
		return &model.HourTransaction{Type: model.HourTxnConsume, Source: source, Hours: hours, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("consume", "error")
		return nil, nil, err
	}
	s.observe("consume", "ok")

	s.notifier.CreditsDebited(ctx, s.event(bal, hours, bookingID))
	return bal, txn, nil
}

// Refund credits hours back into the spendable pool after a settled booking
// is reversed.
func (s *ProfessorHourService) Refund(ctx context.Context, professorID string, scope model.Scope, hours int64, bookingID string, source model.TxnSource) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "refund")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		b.AvailableHours += hours
		return &model.HourTransaction{Type: model.HourTxnRefund, Source: source, Hours: hours, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("refund", "error")
		return nil, nil, err
	}
	s.observe("refund", "ok")

	s.notifier.CreditsRefunded(ctx, s.event(bal, hours, bookingID))
	return bal, txn, nil
}

// Grant credits hours on behalf of an admin. The caller also appends the
// CreditGrant audit row, linked by the returned transaction id.
func (s *ProfessorHourService) Grant(ctx context.Context, professorID string, scope model.Scope, hours int64, grantedBy, reason string) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	defer s.metrics.TimeLedgerOp("professor", "grant")()
	if hours <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.ProfessorHourBalance) (*model.HourTransaction, error) {
		b.AvailableHours += hours
		return &model.HourTransaction{
			Type:   model.HourTxnGrant,
			Source: model.SourceAdmin,
			Hours:  hours,
			Meta:   map[string]string{"granted_by": grantedBy, "reason": reason},
		}, nil
	})
	if err != nil {
		s.observe("grant", "error")
		return nil, nil, err
	}
	s.observe("grant", "ok")
	return bal, txn, nil
}

// SyncLockedHours is the reconciliation sweep: it recomputes locked_hours
// from the unresolved lock rows in the ledger and overwrites the aggregate.
// Idempotent and side-effect-free beyond the correction; meant for the
// periodic self-healing job, not the per-request path.
func (s *ProfessorHourService) SyncLockedHours(ctx context.Context, professorID string, scope model.Scope) (*model.ProfessorHourBalance, error) {
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, err
	}
	return s.syncLocked(ctx, key)
}

func (s *ProfessorHourService) syncLocked(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error) {
	defer s.metrics.TimeLedgerOp("professor", "sync_locked")()

	bal, err := s.store.SyncLocked(ctx, key)
	if err != nil {
		s.observe("sync_locked", "error")
		return nil, err
	}
	s.observe("sync_locked", "ok")
	return bal, nil
}

// ReconcileAll pages through every professor balance and resyncs its locked
// pool. Returns how many balances were visited.
func (s *ProfessorHourService) ReconcileAll(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	visited := 0
	for offset := 0; ; offset += batch {
		balances, err := s.store.ListBalances(ctx, offset, batch)
		if err != nil {
			return visited, err
		}
		if len(balances) == 0 {
			return visited, nil
		}
		for i := range balances {
			b := &balances[i]
			// The balance row's own key, not scope resolution: reconciliation
			// must reach balances under deactivated tenants too.
			key := ProfessorKey{ProfessorID: b.ProfessorID, Scope: b.Scope()}
			if _, err := s.syncLocked(ctx, key); err != nil {
				s.log.WithFields(logrus.Fields{
					"professor_id": b.ProfessorID,
					"tenant_id":    b.TenantID,
					"error":        err,
				}).Warn("locked-hours reconciliation failed for balance")
				continue
			}
			visited++
		}
		if len(balances) < batch {
			return visited, nil
		}
	}
}

// History returns a page of the professor's hour ledger, newest first.
func (s *ProfessorHourService) History(ctx context.Context, professorID string, scope model.Scope, page, limit int) ([]model.HourTransaction, int64, error) {
	key, err := s.key(ctx, professorID, scope)
	if err != nil {
		return nil, 0, err
	}
	return s.store.History(ctx, key, page, limit)
}

// ListExpiredLocks is the scheduler pull query for time-bound bonus locks.
func (s *ProfessorHourService) ListExpiredLocks(ctx context.Context, limit int) ([]model.HourTransaction, error) {
	return s.store.ExpiredLocks(ctx, time.Now().UTC(), limit)
}

func (s *ProfessorHourService) event(b *model.ProfessorHourBalance, hours int64, bookingID string) notifier.CreditsEvent {
	return notifier.CreditsEvent{
		UserID:     b.ProfessorID,
		TenantID:   b.TenantID,
		UnitID:     b.UnitID,
		Qty:        hours,
		NewBalance: b.Spendable(),
		BookingID:  bookingID,
	}
}
