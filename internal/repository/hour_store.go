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

// HourStore is the Postgres implementation of service.HourStore.
type HourStore struct {
	db    *pgxpool.Pool
	cache *BalanceCache
}

func NewHourStore(db *pgxpool.Pool, cache *BalanceCache) *HourStore {
	return &HourStore{db: db, cache: cache}
}

const hourBalanceCols = `professor_id, tenant_id, unit_id, available_hours, locked_hours, updated_at`

func scanHourBalance(row pgx.Row) (*model.ProfessorHourBalance, error) {
	var b model.ProfessorHourBalance
	err := row.Scan(&b.ProfessorID, &b.TenantID, &b.UnitID,
		&b.AvailableHours, &b.LockedHours, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *HourStore) GetOrCreate(ctx context.Context, key service.ProfessorKey) (*model.ProfessorHourBalance, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO prof_hour_balances (professor_id, tenant_id, unit_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (professor_id, tenant_id, unit_id) DO NOTHING`,
		key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID)
	if err != nil {
		return nil, fmt.Errorf("upsert hour balance: %w", err)
	}
	return s.fetch(ctx, key)
}

func (s *HourStore) Get(ctx context.Context, key service.ProfessorKey) (*model.ProfessorHourBalance, error) {
	cacheKey := hourCacheKey(key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID)
	var cached model.ProfessorHourBalance
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

func (s *HourStore) fetch(ctx context.Context, key service.ProfessorKey) (*model.ProfessorHourBalance, error) {
	b, err := scanHourBalance(s.db.QueryRow(ctx, `
		SELECT `+hourBalanceCols+`
		FROM prof_hour_balances
		WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3`,
		key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrBalanceNotFound
	}
	return b, err
}

func (s *HourStore) Mutate(ctx context.Context, key service.ProfessorKey, fn service.HourMutation) (*model.ProfessorHourBalance, *model.HourTransaction, error) {
	var bal *model.ProfessorHourBalance
	var txn *model.HourTransaction

	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO prof_hour_balances (professor_id, tenant_id, unit_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (professor_id, tenant_id, unit_id) DO NOTHING`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID); err != nil {
			return fmt.Errorf("upsert hour balance: %w", err)
		}

		b, err := scanHourBalance(tx.QueryRow(ctx, `
			SELECT `+hourBalanceCols+`
			FROM prof_hour_balances
			WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3
			FOR UPDATE`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID))
		if err != nil {
			return fmt.Errorf("lock hour balance: %w", err)
		}

		t, err := fn(b)
		if err != nil {
			return err
		}

		t.ID = uuid.NewString()
		t.ProfessorID = key.ProfessorID
		t.TenantID = key.Scope.TenantID
		t.UnitID = key.Scope.UnitID
		t.CreatedAt = time.Now().UTC()

		meta, err := metaToJSON(t.Meta)
		if err != nil {
			return fmt.Errorf("encode txn meta: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO hour_transactions
				(id, professor_id, tenant_id, unit_id, type, source, hours, booking_id, meta, unlock_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
			t.ID, t.ProfessorID, t.TenantID, t.UnitID, t.Type, t.Source, t.Hours,
			t.BookingID, meta, t.UnlockAt, t.CreatedAt); err != nil {
			return fmt.Errorf("append hour txn: %w", err)
		}

		b.UpdatedAt = t.CreatedAt
		if _, err := tx.Exec(ctx, `
			UPDATE prof_hour_balances
			SET available_hours = $4, locked_hours = $5, updated_at = $6
			WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID,
			b.AvailableHours, b.LockedHours, b.UpdatedAt); err != nil {
			return fmt.Errorf("update hour balance: %w", err)
		}

		bal, txn = b, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.cache.Invalidate(ctx, hourCacheKey(key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID))
	return bal, txn, nil
}

// SyncLocked recomputes locked_hours from the unresolved lock rows in the
// ledger (lock-type sums minus unlock/revoke sums, floored at zero) and
// overwrites the aggregate while holding the row lock.
func (s *HourStore) SyncLocked(ctx context.Context, key service.ProfessorKey) (*model.ProfessorHourBalance, error) {
	var bal *model.ProfessorHourBalance

	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		b, err := scanHourBalance(tx.QueryRow(ctx, `
			SELECT `+hourBalanceCols+`
			FROM prof_hour_balances
			WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3
			FOR UPDATE`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrBalanceNotFound
		}
		if err != nil {
			return fmt.Errorf("lock hour balance: %w", err)
		}

		var locked int64
		err = tx.QueryRow(ctx, `
			SELECT greatest(0, coalesce(sum(
				CASE WHEN type IN ('LOCK', 'BONUS_LOCK') THEN hours
				     WHEN type IN ('UNLOCK', 'BONUS_UNLOCK', 'REVOKE') THEN -hours
				     ELSE 0 END), 0))
			FROM hour_transactions
			WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID).Scan(&locked)
		if err != nil {
			return fmt.Errorf("fold hour ledger: %w", err)
		}

		if locked == b.LockedHours {
			bal = b
			return nil
		}

		b.LockedHours = locked
		b.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE prof_hour_balances
			SET locked_hours = $4, updated_at = $5
			WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3`,
			key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID,
			b.LockedHours, b.UpdatedAt); err != nil {
			return fmt.Errorf("overwrite locked hours: %w", err)
		}
		bal = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, hourCacheKey(key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID))
	return bal, nil
}

func (s *HourStore) History(ctx context.Context, key service.ProfessorKey, page, limit int) ([]model.HourTransaction, int64, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM hour_transactions
		WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3`,
		key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, professor_id, tenant_id, unit_id, type, source, hours,
		       coalesce(booking_id, ''), meta, unlock_at, created_at
		FROM hour_transactions
		WHERE professor_id = $1 AND tenant_id = $2 AND unit_id = $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		key.ProfessorID, key.Scope.TenantID, key.Scope.UnitID, limit, pageOffset(page, limit))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txns, err := collectHourTxns(rows)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ExpiredLocks returns time-bound BONUS_LOCK rows past their unlock_at whose
// booking has no later settling row.
func (s *HourStore) ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.HourTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT l.id, l.professor_id, l.tenant_id, l.unit_id, l.type, l.source, l.hours,
		       coalesce(l.booking_id, ''), l.meta, l.unlock_at, l.created_at
		FROM hour_transactions l
		WHERE l.type = 'BONUS_LOCK'
		  AND l.unlock_at IS NOT NULL
		  AND l.unlock_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM hour_transactions r
			WHERE r.professor_id = l.professor_id
			  AND r.tenant_id = l.tenant_id
			  AND r.unit_id = l.unit_id
			  AND r.booking_id = l.booking_id
			  AND r.type IN ('BONUS_UNLOCK', 'UNLOCK', 'REVOKE')
			  AND r.created_at >= l.created_at)
		ORDER BY l.unlock_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHourTxns(rows)
}

func (s *HourStore) ListBalances(ctx context.Context, offset, limit int) ([]model.ProfessorHourBalance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+hourBalanceCols+`
		FROM prof_hour_balances
		ORDER BY professor_id, tenant_id, unit_id
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.ProfessorHourBalance
	for rows.Next() {
		var b model.ProfessorHourBalance
		if err := rows.Scan(&b.ProfessorID, &b.TenantID, &b.UnitID,
			&b.AvailableHours, &b.LockedHours, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func collectHourTxns(rows pgx.Rows) ([]model.HourTransaction, error) {
	var txns []model.HourTransaction
	for rows.Next() {
		var t model.HourTransaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.ProfessorID, &t.TenantID, &t.UnitID, &t.Type, &t.Source,
			&t.Hours, &t.BookingID, &meta, &t.UnlockAt, &t.CreatedAt); err != nil {
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
