package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fitledger/internal/model"
	"fitledger/internal/notifier"
)

// memStudentStore keeps balances and ledger rows in memory with the same
// atomicity contract as the pgx store: Mutate serializes per call and only
// applies the aggregate change when the mutation callback succeeds.
type memStudentStore struct {
	mu       sync.Mutex
	balances map[StudentKey]*model.StudentClassBalance
	txns     []model.StudentClassTransaction
	seq      int
}

func newMemStudentStore() *memStudentStore {
	return &memStudentStore{balances: make(map[StudentKey]*model.StudentClassBalance)}
}

func (s *memStudentStore) getOrCreateLocked(key StudentKey) *model.StudentClassBalance {
	b, ok := s.balances[key]
	if !ok {
		b = &model.StudentClassBalance{
			StudentID: key.StudentID,
			TenantID:  key.Scope.TenantID,
			UnitID:    key.Scope.UnitID,
		}
		s.balances[key] = b
	}
	return b
}

func (s *memStudentStore) GetOrCreate(ctx context.Context, key StudentKey) (*model.StudentClassBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.getOrCreateLocked(key)
	return &cp, nil
}

func (s *memStudentStore) Get(ctx context.Context, key StudentKey) (*model.StudentClassBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[key]
	if !ok {
		return nil, model.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memStudentStore) Mutate(ctx context.Context, key StudentKey, fn StudentMutation) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getOrCreateLocked(key)
	work := *b
	txn, err := fn(&work)
	if err != nil {
		return nil, nil, err
	}

	s.seq++
	txn.ID = fmt.Sprintf("txn-%d", s.seq)
	txn.StudentID = key.StudentID
	txn.TenantID = key.Scope.TenantID
	txn.UnitID = key.Scope.UnitID
	txn.CreatedAt = time.Now().UTC()

	*b = work
	s.txns = append(s.txns, *txn)

	cp := work
	return &cp, txn, nil
}

func (s *memStudentStore) History(ctx context.Context, key StudentKey, page, limit int) ([]model.StudentClassTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StudentClassTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		txn := s.txns[i]
		if txn.StudentID == key.StudentID && txn.TenantID == key.Scope.TenantID && txn.UnitID == key.Scope.UnitID {
			out = append(out, txn)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memStudentStore) ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.StudentClassTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StudentClassTransaction
	for i, txn := range s.txns {
		if txn.Type != model.StudentTxnLock || txn.UnlockAt == nil || txn.UnlockAt.After(now) {
			continue
		}
		if s.settledLocked(i) {
			continue
		}
		out = append(out, txn)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// settledLocked reports whether a later ledger row resolved the lock's
// booking, mirroring the SQL store's NOT EXISTS guard.
func (s *memStudentStore) settledLocked(lockIdx int) bool {
	lock := s.txns[lockIdx]
	if lock.BookingID == "" {
		return false
	}
	for _, r := range s.txns[lockIdx+1:] {
		if r.StudentID != lock.StudentID || r.TenantID != lock.TenantID || r.UnitID != lock.UnitID || r.BookingID != lock.BookingID {
			continue
		}
		switch r.Type {
		case model.StudentTxnUnlock, model.StudentTxnConsume, model.StudentTxnRevoke:
			return true
		}
	}
	return false
}

// memHourStore mirrors memStudentStore for the professor hour ledger.
type memHourStore struct {
	mu       sync.Mutex
	balances map[ProfessorKey]*model.ProfessorHourBalance
	txns     []model.HourTransaction
	seq      int
}

func newMemHourStore() *memHourStore {
	return &memHourStore{balances: make(map[ProfessorKey]*model.ProfessorHourBalance)}
}

func (s *memHourStore) getOrCreateLocked(key ProfessorKey) *model.ProfessorHourBalance {
	b, ok := s.balances[key]
	if !ok {
		b = &model.ProfessorHourBalance{
			ProfessorID: key.ProfessorID,
			TenantID:    key.Scope.TenantID,
			UnitID:      key.Scope.UnitID,
		}
		s.balances[key] = b
	}
	return b
}

func (s *memHourStore) GetOrCreate(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.getOrCreateLocked(key)
	return &cp, nil
}

func (s *memHourStore) Get(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[key]
	if !ok {
		return nil, model.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memHourStore) Mutate(ctx context.Context, key ProfessorKey, fn HourMutation) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getOrCreateLocked(key)
	work := *b
	txn, err := fn(&work)
	if err != nil {
		return nil, nil, err
	}

	s.seq++
	txn.ID = fmt.Sprintf("htxn-%d", s.seq)
	txn.ProfessorID = key.ProfessorID
	txn.TenantID = key.Scope.TenantID
	txn.UnitID = key.Scope.UnitID
	txn.CreatedAt = time.Now().UTC()

	*b = work
	s.txns = append(s.txns, *txn)

	cp := work
	return &cp, txn, nil
}

func (s *memHourStore) History(ctx context.Context, key ProfessorKey, page, limit int) ([]model.HourTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.HourTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		txn := s.txns[i]
		if txn.ProfessorID == key.ProfessorID && txn.TenantID == key.Scope.TenantID && txn.UnitID == key.Scope.UnitID {
			out = append(out, txn)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memHourStore) ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.HourTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.HourTransaction
	for i, txn := range s.txns {
		if txn.Type != model.HourTxnBonusLock || txn.UnlockAt == nil || txn.UnlockAt.After(now) {
			continue
		}
		if s.settledLocked(i) {
			continue
		}
		out = append(out, txn)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memHourStore) settledLocked(lockIdx int) bool {
	lock := s.txns[lockIdx]
	if lock.BookingID == "" {
		return false
	}
	for _, r := range s.txns[lockIdx+1:] {
		if r.ProfessorID != lock.ProfessorID || r.TenantID != lock.TenantID || r.UnitID != lock.UnitID || r.BookingID != lock.BookingID {
			continue
		}
		switch r.Type {
		case model.HourTxnBonusUnlock, model.HourTxnUnlock, model.HourTxnRevoke:
			return true
		}
	}
	return false
}

// SyncLocked folds the ledger the way the SQL implementation does:
// locks minus releases, floored at zero, overwriting the aggregate.
func (s *memHourStore) SyncLocked(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getOrCreateLocked(key)
	var locked int64
	for _, txn := range s.txns {
		if txn.ProfessorID != key.ProfessorID || txn.TenantID != key.Scope.TenantID || txn.UnitID != key.Scope.UnitID {
			continue
		}
		switch txn.Type {
		case model.HourTxnLock, model.HourTxnBonusLock:
			locked += txn.Hours
		case model.HourTxnUnlock, model.HourTxnBonusUnlock, model.HourTxnRevoke:
			locked -= txn.Hours
		}
	}
	if locked < 0 {
		locked = 0
	}
	b.LockedHours = locked

	cp := *b
	return &cp, nil
}

func (s *memHourStore) ListBalances(ctx context.Context, offset, limit int) ([]model.ProfessorHourBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.ProfessorHourBalance
	for _, b := range s.balances {
		all = append(all, *b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ProfessorID < all[j].ProfessorID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// memTenantStore serves a fixed tenant set.
type memTenantStore struct {
	tenants   map[string]*model.Tenant
	principal *model.Tenant
}

func newMemTenantStore() *memTenantStore {
	active := &model.Tenant{ID: "tenant-1", Name: "Unit One", Active: true}
	principal := &model.Tenant{ID: "tenant-main", Name: "Main", Active: true, Principal: true}
	return &memTenantStore{
		tenants: map[string]*model.Tenant{
			active.ID:    active,
			principal.ID: principal,
			"tenant-off": {ID: "tenant-off", Name: "Closed", Active: false},
		},
		principal: principal,
	}
}

func (s *memTenantStore) Get(ctx context.Context, id string) (*model.Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, model.ErrTenantNotFound
	}
	return t, nil
}

func (s *memTenantStore) Principal(ctx context.Context) (*model.Tenant, error) {
	if s.principal == nil {
		return nil, model.ErrTenantNotFound
	}
	return s.principal, nil
}

func (s *memTenantStore) deactivate(id string) {
	if t, ok := s.tenants[id]; ok {
		t.Active = false
	}
}

// recordingNotifier captures which events fired, in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, name)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) has(name string) bool {
	for _, ev := range n.names() {
		if ev == name {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) CreditsPurchased(ctx context.Context, ev notifier.CreditsEvent) {
	n.record("credits.purchased")
}
func (n *recordingNotifier) CreditsDebited(ctx context.Context, ev notifier.CreditsEvent) {
	n.record("credits.debited")
}
func (n *recordingNotifier) CreditsRefunded(ctx context.Context, ev notifier.CreditsEvent) {
	n.record("credits.refunded")
}
func (n *recordingNotifier) LowBalance(ctx context.Context, ev notifier.CreditsEvent) {
	n.record("credits.low")
}
func (n *recordingNotifier) ZeroBalance(ctx context.Context, ev notifier.CreditsEvent) {
	n.record("credits.zero")
}
func (n *recordingNotifier) PaymentConfirmed(ctx context.Context, ev notifier.PaymentEvent) {
	n.record("payments.confirmed")
}
func (n *recordingNotifier) PaymentFailed(ctx context.Context, ev notifier.PaymentEvent) {
	n.record("payments.failed")
}
func (n *recordingNotifier) PaymentRefunded(ctx context.Context, ev notifier.PaymentEvent) {
	n.record("payments.refunded")
}
