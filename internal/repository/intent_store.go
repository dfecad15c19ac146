package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fitledger/internal/model"
)

// IntentStore is the Postgres implementation of service.IntentStore.
type IntentStore struct {
	db *pgxpool.Pool
}

func NewIntentStore(db *pgxpool.Pool) *IntentStore {
	return &IntentStore{db: db}
}

func (s *IntentStore) Create(ctx context.Context, intent *model.PaymentIntent) error {
	meta, err := json.Marshal(intent.Metadata)
	if err != nil {
		return fmt.Errorf("encode intent metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO payment_intents
			(id, type, provider, provider_id, amount, status, metadata,
			 actor_user_id, tenant_id, unit_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		intent.ID, intent.Type, intent.Provider, intent.ProviderID,
		intent.Amount.String(), intent.Status, meta,
		intent.ActorUserID, intent.TenantID, intent.UnitID,
		intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

const intentCols = `id, type, provider, provider_id, amount::text, status, metadata,
	actor_user_id, tenant_id, unit_id, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var i model.PaymentIntent
	var amount string
	var meta []byte
	err := row.Scan(&i.ID, &i.Type, &i.Provider, &i.ProviderID, &amount, &i.Status, &meta,
		&i.ActorUserID, &i.TenantID, &i.UnitID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode intent amount %q: %w", amount, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &i.Metadata); err != nil {
			return nil, fmt.Errorf("decode intent metadata: %w", err)
		}
	}
	return &i, nil
}

func (s *IntentStore) ByID(ctx context.Context, id string) (*model.PaymentIntent, error) {
	i, err := scanIntent(s.db.QueryRow(ctx,
		`SELECT `+intentCols+` FROM payment_intents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPaymentIntentNotFound
	}
	return i, err
}

func (s *IntentStore) ByProviderID(ctx context.Context, providerID string) (*model.PaymentIntent, error) {
	i, err := scanIntent(s.db.QueryRow(ctx,
		`SELECT `+intentCols+` FROM payment_intents WHERE provider_id = $1`, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPaymentIntentNotFound
	}
	return i, err
}

// MarkPaid is the idempotency guard: a single conditional update whose row
// count says whether this call performed the PENDING->PAID transition.
// Redelivered or concurrent duplicates see zero rows affected.
func (s *IntentStore) MarkPaid(ctx context.Context, id string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE payment_intents
		SET status = 'PAID', updated_at = $2
		WHERE id = $1 AND status <> 'PAID'`,
		id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark intent paid: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SetStatus writes a non-PAID status. PAID stays terminal: this update never
// overwrites it, and a refused write on a PAID row reports ErrInvalidState so
// callers can tell a settled intent from a missing one.
func (s *IntentStore) SetStatus(ctx context.Context, id string, status model.PaymentIntentStatus) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE payment_intents
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> 'PAID'`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set intent status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var current model.PaymentIntentStatus
		err := s.db.QueryRow(ctx,
			`SELECT status FROM payment_intents WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrPaymentIntentNotFound
		}
		if err != nil {
			return fmt.Errorf("set intent status: %w", err)
		}
		return model.ErrInvalidState
	}
	return nil
}

func (s *IntentStore) ListByActor(ctx context.Context, actorUserID string, page, limit int) ([]model.PaymentIntent, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM payment_intents WHERE actor_user_id = $1`, actorUserID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+intentCols+`
		FROM payment_intents
		WHERE actor_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		actorUserID, limit, pageOffset(page, limit))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var intents []model.PaymentIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, 0, err
		}
		intents = append(intents, *i)
	}
	return intents, total, rows.Err()
}
