package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitledger/internal/model"
	"fitledger/internal/service"
)

// StudentStore is the Postgres implementation of service.StudentStore.
type StudentStore struct {
	db    *pgxpool.Pool
	cache *BalanceCache
}

func NewStudentStore(db *pgxpool.Pool, cache *BalanceCache) *StudentStore {
	return &StudentStore{db: db, cache: cache}
}

const studentBalanceCols = `student_id, tenant_id, unit_id, total_purchased, total_consumed, locked_qty, updated_at`

func scanStudentBalance(row pgx.Row) (*model.StudentClassBalance, error) {
	var b model.StudentClassBalance
	err := row.Scan(&b.StudentID, &b.TenantID, &b.UnitID,
		&b.TotalPurchased, &b.TotalConsumed, &b.LockedQty, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetOrCreate inserts a zeroed row with ON CONFLICT DO NOTHING and reads it
// back. Two simultaneous first-time callers both succeed; one insert is a
// silent no-op.
func (s *StudentStore) GetOrCreate(ctx context.Context, key service.StudentKey) (*model.StudentClassBalance, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO student_class_balances (student_id, tenant_id, unit_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id, tenant_id, unit_id) DO NOTHING`,
		key.StudentID, key.Scope.TenantID, key.Scope.UnitID)
	if err != nil {
		return nil, fmt.Errorf("upsert student balance: %w", err)
	}
	return s.fetch(ctx, key)
}

func (s *StudentStore) Get(ctx context.Context, key service.StudentKey) (*model.StudentClassBalance, error) {
	cacheKey := studentCacheKey(key.StudentID, key.Scope.TenantID, key.Scope.UnitID)
	var cached model.StudentClassBalance
	if s.cache.Get(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	b, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, cacheKey, b)
	return b, nil
}

func (s *StudentStore) fetch(ctx context.Context, key service.StudentKey) (*model.StudentClassBalance, error) {
	b, err := scanStudentBalance(s.db.QueryRow(ctx, `
		SELECT `+studentBalanceCols+`
		FROM student_class_balances
		WHERE student_id = $1 AND tenant_id = $2 AND unit_id = $3`,
		key.StudentID, key.Scope.TenantID, key.Scope.UnitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrBalanceNotFound
	}
	return b, err
}

// Mutate runs fn with the balance row locked (created first if absent),
// appends the ledger row fn returns and writes the aggregate back, all in one
// transaction retried on serialization conflicts.
func (s *StudentStore) Mutate(ctx context.Context, key service.StudentKey, fn service.StudentMutation) (*model.StudentClassBalance, *model.StudentClassTransaction, error) {
	var bal *model.StudentClassBalance
	var txn *model.StudentClassTransaction

	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO student_class_balances (student_id, tenant_id, unit_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (student_id, tenant_id, unit_id) DO NOTHING`,
			key.StudentID, key.Scope.TenantID, key.Scope.UnitID); err != nil {
			return fmt.Errorf("upsert student balance: %w", err)
		}

		b, err := scanStudentBalance(tx.QueryRow(ctx, `
			SELECT `+studentBalanceCols+`
			FROM student_class_balances
			WHERE student_id = $1 AND tenant_id = $2 AND unit_id = $3
			FOR UPDATE`,
			key.StudentID, key.Scope.TenantID, key.Scope.UnitID))
		if err != nil {
			return fmt.Errorf("lock student balance: %w", err)
		}

		t, err := fn(b)
		if err != nil {
			return err
		}

		t.ID = uuid.NewString()
		t.StudentID = key.StudentID
		t.TenantID = key.Scope.TenantID
		t.UnitID = key.Scope.UnitID
		t.CreatedAt = time.Now().UTC()

		meta, err := metaToJSON(t.Meta)
		if err != nil {
			return fmt.Errorf("encode txn meta: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO student_class_transactions
				(id, student_id, tenant_id, unit_id, type, source, qty, booking_id, meta, unlock_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
			t.ID, t.StudentID, t.TenantID, t.UnitID, t.Type, t.Source, t.Qty,
			t.BookingID, meta, t.UnlockAt, t.CreatedAt); err != nil {
			return fmt.Errorf("append student txn: %w", err)
		}

		b.UpdatedAt = t.CreatedAt
		if _, err := tx.Exec(ctx, `
			UPDATE student_class_balances
			SET total_purchased = $4, total_consumed = $5, locked_qty = $6, updated_at = $7
			WHERE student_id = $1 AND tenant_id = $2 AND unit_id = $3`,
			key.StudentID, key.Scope.TenantID, key.Scope.UnitID,
			b.TotalPurchased, b.TotalConsumed, b.LockedQty, b.UpdatedAt); err != nil {
			return fmt.Errorf("update student balance: %w", err)
		}

		bal, txn = b, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.cache.Invalidate(ctx, studentCacheKey(key.StudentID, key.Scope.TenantID, key.Scope.UnitID))
	return bal, txn, nil
}

func (s *StudentStore) History(ctx context.Context, key service.StudentKey, page, limit int) ([]model.StudentClassTransaction, int64, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM student_class_transactions
		WHERE student_id = $1 AND tenant_id = $2 AND unit_id = $3`,
		key.StudentID, key.Scope.TenantID, key.Scope.UnitID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, student_id, tenant_id, unit_id, type, source, qty,
		       coalesce(booking_id, ''), meta, unlock_at, created_at
		FROM student_class_transactions
		WHERE student_id = $1 AND tenant_id = $2 AND unit_id = $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		key.StudentID, key.Scope.TenantID, key.Scope.UnitID, limit, pageOffset(page, limit))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txns, err := collectStudentTxns(rows)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ExpiredLocks returns LOCK rows whose unlock_at has passed and whose booking
// has no later settling row (UNLOCK, CONSUME or REVOKE). Bounded by limit so
// a sweep never does unbounded work; an empty result is normal.
func (s *StudentStore) ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.StudentClassTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT l.id, l.student_id, l.tenant_id, l.unit_id, l.type, l.source, l.qty,
		       coalesce(l.booking_id, ''), l.meta, l.unlock_at, l.created_at
		FROM student_class_transactions l
		WHERE l.type = 'LOCK'
		  AND l.unlock_at IS NOT NULL
		  AND l.unlock_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM student_class_transactions r
			WHERE r.student_id = l.student_id
			  AND r.tenant_id = l.tenant_id
			  AND r.unit_id = l.unit_id
			  AND r.booking_id = l.booking_id
			  AND r.type IN ('UNLOCK', 'CONSUME', 'REVOKE')
			  AND r.created_at >= l.created_at)
		ORDER BY l.unlock_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStudentTxns(rows)
}

func collectStudentTxns(rows pgx.Rows) ([]model.StudentClassTransaction, error) {
	var txns []model.StudentClassTransaction
	for rows.Next() {
		var t model.StudentClassTransaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.StudentID, &t.TenantID, &t.UnitID, &t.Type, &t.Source,
			&t.Qty, &t.BookingID, &meta, &t.UnlockAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		m, err := metaFromJSON(meta)
		if err != nil {
			return nil, err
		}
		t.Meta = m
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
