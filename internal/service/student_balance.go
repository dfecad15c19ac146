package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"fitledger/internal/metrics"
	"fitledger/internal/model"
	"fitledger/internal/notifier"
)

// lowBalanceThreshold triggers the "low" notification when the available
// balance drops strictly below it (but stays above zero).
const lowBalanceThreshold = 2

// StudentBalanceService owns every mutation of student class-credit balances.
// All writes go through the store's transactional mutation envelope, so each
// balance change commits together with the ledger row that justifies it.
type StudentBalanceService struct {
	store    StudentStore
	tenants  TenantStore
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

func NewStudentBalanceService(store StudentStore, tenants TenantStore, n notifier.Notifier, m *metrics.Metrics, log *logrus.Logger) *StudentBalanceService {
	if n == nil {
		n = notifier.Nop{}
	}
	return &StudentBalanceService{store: store, tenants: tenants, notifier: n, metrics: m, log: log}
}

// resolveScope validates that the scope's tenant exists and is active,
// falling back to the principal tenant otherwise. With no principal tenant
// resolvable the scope is a configuration fault.
func resolveScope(ctx context.Context, tenants TenantStore, scope model.Scope) (model.Scope, error) {
	t, err := tenants.Get(ctx, scope.TenantID)
	if err != nil && !errors.Is(err, model.ErrTenantNotFound) {
		return model.Scope{}, err
	}
	if t != nil && t.Active {
		return scope, nil
	}

	principal, err := tenants.Principal(ctx)
	if err != nil || principal == nil {
		return model.Scope{}, model.ErrInvalidScope
	}
	return model.Scope{TenantID: principal.ID, UnitID: scope.UnitID}, nil
}

func (s *StudentBalanceService) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.LedgerOps.WithLabelValues("student", op, outcome).Inc()
	}
}

// GetOrCreateBalance returns the student's balance in the resolved scope,
// inserting a zeroed row on first contact. Concurrent first-time callers are
// expected and handled by a conflict-tolerant upsert in the store.
func (s *StudentBalanceService) GetOrCreateBalance(ctx context.Context, studentID string, scope model.Scope) (*model.StudentClassBalance, error) {
	scope, err := resolveScope(ctx, s.tenants, scope)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreate(ctx, StudentKey{StudentID: studentID, Scope: scope})
}

// Purchase credits qty classes unconditionally. There is no cap on how many
// credits a student may hold.
func (s *StudentBalanceService) Purchase(ctx context.Context, studentID string, scope model.Scope, qty int64, source model.TxnSource, meta map[string]string) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "purchase")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		b.TotalPurchased += qty
		return &model.StudentClassTransaction{Type: model.StudentTxnPurchase, Source: source, Qty: qty, Meta: meta}, nil
	})
	if err != nil {
		s.observe("purchase", "error")
		return nil, nil, err
	}
	s.observe("purchase", "ok")

	s.notifier.CreditsPurchased(ctx, s.event(bal, qty, ""))
	return bal, txn, nil
}

// Lock reserves qty credits against a future booking. The reservation is
// refused outright when the available balance cannot cover it.
func (s *StudentBalanceService) Lock(ctx context.Context, studentID string, scope model.Scope, qty int64, bookingID string, unlockAt time.Time, source model.TxnSource) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "lock")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		if avail := b.Available(); avail < qty {
			return nil, &model.InsufficientBalanceError{Available: avail, Required: qty}
		}
		b.LockedQty += qty
		ua := unlockAt
		return &model.StudentClassTransaction{Type: model.StudentTxnLock, Source: source, Qty: qty, BookingID: bookingID, UnlockAt: &ua}, nil
	})
	if err != nil {
		s.observe("lock", "error")
		return nil, nil, err
	}
	s.observe("lock", "ok")
	return bal, txn, nil
}

// Unlock releases a prior reservation. Unlocking more than is currently
// locked is refused.
func (s *StudentBalanceService) Unlock(ctx context.Context, studentID string, scope model.Scope, qty int64, bookingID string, source model.TxnSource) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}
	return s.unlock(ctx, key, qty, bookingID, source)
}

// ReleaseExpiredLock releases a lock row returned by ListExpiredLocks. The
// balance is addressed by the key stored on the row itself: a lock taken under
// a tenant that was deactivated afterwards must still release against the
// balance holding it, not the principal fallback.
func (s *StudentBalanceService) ReleaseExpiredLock(ctx context.Context, lock model.StudentClassTransaction) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	if lock.Qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key := StudentKey{StudentID: lock.StudentID, Scope: model.Scope{TenantID: lock.TenantID, UnitID: lock.UnitID}}
	return s.unlock(ctx, key, lock.Qty, lock.BookingID, model.SourceSystem)
}

func (s *StudentBalanceService) unlock(ctx context.Context, key StudentKey, qty int64, bookingID string, source model.TxnSource) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "unlock")()

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		if b.LockedQty < qty {
			return nil, &model.InsufficientLockedBalanceError{Locked: b.LockedQty, Required: qty}
		}
		b.LockedQty -= qty
		return &model.StudentClassTransaction{Type: model.StudentTxnUnlock, Source: source, Qty: qty, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("unlock", "error")
		return nil, nil, err
	}
	s.observe("unlock", "ok")
	return bal, txn, nil
}

// Consume finalizes a lesson: it releases min(locked, qty) from the lock pool
// (flooring at zero) and debits the full qty from the purchased pool.
// Consumption exceeding the pre-locked quantity is intentional debit-now
// semantics, not an error. After the mutation commits, threshold
// notifications go out best-effort: "low" when 0 < available < 2, "zero"
// when available == 0.
func (s *StudentBalanceService) Consume(ctx context.Context, studentID string, scope model.Scope, qty int64, bookingID string, source model.TxnSource) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "consume")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		release := qty
		if b.LockedQty < release {
			release = b.LockedQty
		}
		b.LockedQty -= release
		b.TotalConsumed += qty
		return &model.StudentClassTransaction{Type: model.StudentTxnConsume, Source: source, Qty: qty, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("consume", "error")
		return nil, nil, err
	}
	s.observe("consume", "ok")

	ev := s.event(bal, qty, bookingID)
	s.notifier.CreditsDebited(ctx, ev)
	switch avail := bal.Available(); {
	case avail == 0:
		s.notifier.ZeroBalance(ctx, ev)
	case avail > 0 && avail < lowBalanceThreshold:
		s.notifier.LowBalance(ctx, ev)
	}
	return bal, txn, nil
}

// Refund reverses consumed classes after a cancellation, flooring
// total_consumed at zero.
func (s *StudentBalanceService) Refund(ctx context.Context, studentID string, scope model.Scope, qty int64, bookingID string, source model.TxnSource) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "refund")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		restored := qty
		if b.TotalConsumed < restored {
			restored = b.TotalConsumed
		}
		b.TotalConsumed -= restored
		return &model.StudentClassTransaction{Type: model.StudentTxnRefund, Source: source, Qty: qty, BookingID: bookingID}, nil
	})
	if err != nil {
		s.observe("refund", "error")
		return nil, nil, err
	}
	s.observe("refund", "ok")

	s.notifier.CreditsRefunded(ctx, s.event(bal, qty, bookingID))
	return bal, txn, nil
}

// Grant credits qty classes on behalf of an admin. The caller is responsible
// for also appending the CreditGrant audit row, linked by the returned
// transaction id.
func (s *StudentBalanceService) Grant(ctx context.Context, studentID string, scope model.Scope, qty int64, grantedBy, reason string) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "grant")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		b.TotalPurchased += qty
		return &model.StudentClassTransaction{
			Type:   model.StudentTxnGrant,
			Source: model.SourceAdmin,
			Qty:    qty,
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

// Revoke removes previously purchased or granted credits, guarded by the
// available balance so the core invariant cannot break.
func (s *StudentBalanceService) Revoke(ctx context.Context, studentID string, scope model.Scope, qty int64, revokedBy, reason string) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	defer s.metrics.TimeLedgerOp("student", "revoke")()
	if qty <= 0 {
		return nil, nil, model.ErrNonPositiveQuantity
	}
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, nil, err
	}

	bal, txn, err := s.store.Mutate(ctx, key, func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error) {
		if avail := b.Available(); avail < qty {
			return nil, &model.InsufficientBalanceError{Available: avail, Required: qty}
		}
		b.TotalPurchased -= qty
		return &model.StudentClassTransaction{
			Type:   model.StudentTxnRevoke,
			Source: model.SourceAdmin,
			Qty:    qty,
			Meta:   map[string]string{"revoked_by": revokedBy, "reason": reason},
		}, nil
	})
	if err != nil {
		s.observe("revoke", "error")
		return nil, nil, err
	}
	s.observe("revoke", "ok")
	return bal, txn, nil
}

// History returns a page of the student's ledger, newest first.
func (s *StudentBalanceService) History(ctx context.Context, studentID string, scope model.Scope, page, limit int) ([]model.StudentClassTransaction, int64, error) {
	key, err := s.key(ctx, studentID, scope)
	if err != nil {
		return nil, 0, err
	}
	return s.store.History(ctx, key, page, limit)
}

// ListExpiredLocks is the scheduler pull query: LOCK rows whose unlock_at has
// passed and whose booking has not been settled yet. Bounded by limit.
func (s *StudentBalanceService) ListExpiredLocks(ctx context.Context, limit int) ([]model.StudentClassTransaction, error) {
	return s.store.ExpiredLocks(ctx, time.Now().UTC(), limit)
}

func (s *StudentBalanceService) key(ctx context.Context, studentID string, scope model.Scope) (StudentKey, error) {
	scope, err := resolveScope(ctx, s.tenants, scope)
	if err != nil {
		return StudentKey{}, err
	}
	return StudentKey{StudentID: studentID, Scope: scope}, nil
}

func (s *StudentBalanceService) event(b *model.StudentClassBalance, qty int64, bookingID string) notifier.CreditsEvent {
	return notifier.CreditsEvent{
		UserID:     b.StudentID,
		TenantID:   b.TenantID,
		UnitID:     b.UnitID,
		Qty:        qty,
		NewBalance: b.Available(),
		BookingID:  bookingID,
	}
}
