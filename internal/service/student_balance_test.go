package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
	"fitledger/internal/notifier"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newStudentService(n *recordingNotifier) (*StudentBalanceService, *memStudentStore) {
	store := newMemStudentStore()
	var events notifier.Notifier
	if n != nil {
		events = n
	}
	return NewStudentBalanceService(store, newMemTenantStore(), events, nil, testLogger()), store
}

var scope1 = model.Scope{TenantID: "tenant-1"}

func TestStudentPurchaseAndInvariant(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	bal, txn, err := svc.Purchase(ctx, "stu-1", scope1, 10, model.SourceStudent, nil)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if bal.TotalPurchased != 10 || bal.Available() != 10 {
		t.Fatalf("got purchased=%d available=%d, want 10/10", bal.TotalPurchased, bal.Available())
	}
	if txn.Type != model.StudentTxnPurchase || txn.Qty != 10 {
		t.Fatalf("unexpected ledger row %+v", txn)
	}
	if bal.Available() != bal.TotalPurchased-bal.TotalConsumed-bal.LockedQty {
		t.Fatal("available must equal purchased - consumed - locked")
	}
}

func TestStudentPurchaseRejectsNonPositiveQty(t *testing.T) {
	svc, _ := newStudentService(nil)
	for _, qty := range []int64{0, -3} {
		if _, _, err := svc.Purchase(context.Background(), "stu-1", scope1, qty, model.SourceStudent, nil); !errors.Is(err, model.ErrNonPositiveQuantity) {
			t.Errorf("qty=%d: got %v, want ErrNonPositiveQuantity", qty, err)
		}
	}
}

func TestStudentLockGuardsAvailable(t *testing.T) {
	svc, store := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 3, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	_, _, err := svc.Lock(ctx, "stu-1", scope1, 5, "bk-1", time.Now().Add(time.Hour), model.SourceStudent)
	var insufficient *model.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientBalanceError", err)
	}
	if insufficient.Available != 3 || insufficient.Required != 5 {
		t.Fatalf("error payload %+v, want available=3 required=5", insufficient)
	}

	// the refused lock must not have touched the balance or the ledger
	bal, err := store.Get(ctx, StudentKey{StudentID: "stu-1", Scope: scope1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bal.LockedQty != 0 || bal.Available() != 3 {
		t.Fatalf("balance changed by a refused lock: %+v", bal)
	}
	if len(store.txns) != 1 {
		t.Fatalf("got %d ledger rows, want only the purchase", len(store.txns))
	}
}

func TestStudentLockUnlockRoundTrip(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 2, "bk-1", time.Now().Add(time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}
	bal, _, err := svc.Unlock(ctx, "stu-1", scope1, 2, "bk-1", model.SourceSystem)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if bal.LockedQty != 0 || bal.Available() != 5 {
		t.Fatalf("round trip must restore the balance, got %+v", bal)
	}
}

func TestStudentUnlockGuardsLocked(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-1", time.Now().Add(time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, _, err := svc.Unlock(ctx, "stu-1", scope1, 2, "bk-1", model.SourceSystem)
	var insufficientLocked *model.InsufficientLockedBalanceError
	if !errors.As(err, &insufficientLocked) {
		t.Fatalf("got %v, want InsufficientLockedBalanceError", err)
	}
	if insufficientLocked.Locked != 1 || insufficientLocked.Required != 2 {
		t.Fatalf("error payload %+v, want locked=1 required=2", insufficientLocked)
	}
}

func TestStudentConsumeReleasesLockAndDebits(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 10, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 2, "bk-1", time.Now().Add(time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}

	bal, _, err := svc.Consume(ctx, "stu-1", scope1, 2, "bk-1", model.SourceProfessor)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if bal.LockedQty != 0 || bal.TotalConsumed != 2 || bal.Available() != 8 {
		t.Fatalf("got %+v, want locked=0 consumed=2 available=8", bal)
	}
}

func TestStudentConsumeBeyondLockFloorsLockedAtZero(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 10, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-1", time.Now().Add(time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// qty exceeds the lock: the full qty is debited, the lock floors at zero
	bal, _, err := svc.Consume(ctx, "stu-1", scope1, 3, "bk-1", model.SourceProfessor)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if bal.LockedQty != 0 {
		t.Fatalf("locked_qty=%d, want floor at 0", bal.LockedQty)
	}
	if bal.TotalConsumed != 3 {
		t.Fatalf("total_consumed=%d, want full qty 3", bal.TotalConsumed)
	}
	if bal.Available() != 7 {
		t.Fatalf("available=%d, want 7", bal.Available())
	}
}

func TestStudentConsumeThresholdNotifications(t *testing.T) {
	t.Run("low balance", func(t *testing.T) {
		n := &recordingNotifier{}
		svc, _ := newStudentService(n)
		ctx := context.Background()

		if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 3, model.SourceStudent, nil); err != nil {
			t.Fatalf("purchase: %v", err)
		}
		if _, _, err := svc.Consume(ctx, "stu-1", scope1, 2, "bk-1", model.SourceProfessor); err != nil {
			t.Fatalf("consume: %v", err)
		}
		// available == 1, strictly between 0 and the threshold
		if !n.has("credits.low") {
			t.Errorf("low-balance event missing, got %v", n.names())
		}
		if n.has("credits.zero") {
			t.Errorf("zero event must not fire at available=1, got %v", n.names())
		}
	})

	t.Run("zero balance", func(t *testing.T) {
		n := &recordingNotifier{}
		svc, _ := newStudentService(n)
		ctx := context.Background()

		if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 2, model.SourceStudent, nil); err != nil {
			t.Fatalf("purchase: %v", err)
		}
		if _, _, err := svc.Consume(ctx, "stu-1", scope1, 2, "bk-1", model.SourceProfessor); err != nil {
			t.Fatalf("consume: %v", err)
		}
		if !n.has("credits.zero") {
			t.Errorf("zero-balance event missing, got %v", n.names())
		}
		if n.has("credits.low") {
			t.Errorf("low event must not fire at available=0, got %v", n.names())
		}
	})
}

func TestStudentRefundFloorsConsumedAtZero(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Consume(ctx, "stu-1", scope1, 2, "bk-1", model.SourceProfessor); err != nil {
		t.Fatalf("consume: %v", err)
	}

	bal, _, err := svc.Refund(ctx, "stu-1", scope1, 5, "bk-1", model.SourceSystem)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if bal.TotalConsumed != 0 {
		t.Fatalf("total_consumed=%d, want floor at 0", bal.TotalConsumed)
	}
	if bal.Available() != 5 {
		t.Fatalf("available=%d, want 5", bal.Available())
	}
}

func TestStudentGrantAndRevoke(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	bal, txn, err := svc.Grant(ctx, "stu-1", scope1, 4, "admin-1", "welcome pack")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if bal.Available() != 4 {
		t.Fatalf("available=%d, want 4", bal.Available())
	}
	if txn.Source != model.SourceAdmin {
		t.Fatalf("grant source=%s, want ADMIN", txn.Source)
	}
	if txn.Meta["granted_by"] != "admin-1" || txn.Meta["reason"] != "welcome pack" {
		t.Fatalf("grant meta %+v", txn.Meta)
	}

	bal, _, err = svc.Revoke(ctx, "stu-1", scope1, 3, "admin-1", "mistake")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if bal.Available() != 1 {
		t.Fatalf("available=%d, want 1", bal.Available())
	}

	_, _, err = svc.Revoke(ctx, "stu-1", scope1, 2, "admin-1", "too much")
	var insufficient *model.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("over-revoke: got %v, want InsufficientBalanceError", err)
	}
}

func TestStudentScopeResolution(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	// inactive tenant falls back to the principal, keeping the unit
	bal, err := svc.GetOrCreateBalance(ctx, "stu-1", model.Scope{TenantID: "tenant-off", UnitID: "unit-9"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bal.TenantID != "tenant-main" || bal.UnitID != "unit-9" {
		t.Fatalf("got scope %s/%s, want tenant-main/unit-9", bal.TenantID, bal.UnitID)
	}

	// unknown tenant likewise
	if _, err := svc.GetOrCreateBalance(ctx, "stu-1", model.Scope{TenantID: "nope"}); err != nil {
		t.Fatalf("unknown tenant should fall back, got %v", err)
	}

	// no resolvable tenant at all is a configuration fault
	store2 := newMemStudentStore()
	tenants := &memTenantStore{tenants: map[string]*model.Tenant{}}
	svc2 := NewStudentBalanceService(store2, tenants, nil, nil, testLogger())
	if _, err := svc2.GetOrCreateBalance(ctx, "stu-1", model.Scope{TenantID: "nope"}); !errors.Is(err, model.ErrInvalidScope) {
		t.Fatalf("got %v, want ErrInvalidScope", err)
	}
}

func TestStudentExpiredLocksListing(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-old", time.Now().Add(-time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-new", time.Now().Add(time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}

	locks, err := svc.ListExpiredLocks(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 || locks[0].BookingID != "bk-old" {
		t.Fatalf("got %+v, want only bk-old", locks)
	}
}

func TestStudentExpiredLocksOmitSettledBookings(t *testing.T) {
	svc, _ := newStudentService(nil)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-1", past, model.SourceStudent); err != nil {
		t.Fatalf("lock bk-1: %v", err)
	}
	if _, _, err := svc.Consume(ctx, "stu-1", scope1, 1, "bk-1", model.SourceStudent); err != nil {
		t.Fatalf("consume bk-1: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-2", past, model.SourceStudent); err != nil {
		t.Fatalf("lock bk-2: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 1, "bk-3", past, model.SourceStudent); err != nil {
		t.Fatalf("lock bk-3: %v", err)
	}
	if _, _, err := svc.Unlock(ctx, "stu-1", scope1, 1, "bk-3", model.SourceStudent); err != nil {
		t.Fatalf("unlock bk-3: %v", err)
	}

	locks, err := svc.ListExpiredLocks(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 || locks[0].BookingID != "bk-2" {
		t.Fatalf("got %+v, want only the unsettled bk-2", locks)
	}
}

func TestStudentReleaseExpiredLockIgnoresTenantDeactivation(t *testing.T) {
	store := newMemStudentStore()
	tenants := newMemTenantStore()
	svc := NewStudentBalanceService(store, tenants, nil, nil, testLogger())
	ctx := context.Background()

	if _, _, err := svc.Purchase(ctx, "stu-1", scope1, 5, model.SourceStudent, nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, _, err := svc.Lock(ctx, "stu-1", scope1, 2, "bk-1", time.Now().Add(-time.Hour), model.SourceStudent); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Deactivating the tenant must not redirect the release to the principal
	// tenant's empty balance.
	tenants.deactivate("tenant-1")

	locks, err := svc.ListExpiredLocks(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("got %d expired locks, want 1", len(locks))
	}

	bal, txn, err := svc.ReleaseExpiredLock(ctx, locks[0])
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if bal.TenantID != "tenant-1" || bal.LockedQty != 0 {
		t.Fatalf("got tenant=%s locked=%d, want tenant-1/0", bal.TenantID, bal.LockedQty)
	}
	if txn.Type != model.StudentTxnUnlock || txn.Source != model.SourceSystem {
		t.Fatalf("unexpected ledger row %+v", txn)
	}

	if locks, _ = svc.ListExpiredLocks(ctx, 10); len(locks) != 0 {
		t.Fatalf("released lock still listed: %+v", locks)
	}
}
