package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitledger/internal/model"
)

// TenantStore resolves franqueadora rows for scope validation.
type TenantStore struct {
	db *pgxpool.Pool
}

func NewTenantStore(db *pgxpool.Pool) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Get(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRow(ctx, `
		SELECT id, name, active, principal, created_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Active, &t.Principal, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Principal returns the designated fallback tenant. There is at most one
// active principal by schema constraint.
func (s *TenantStore) Principal(ctx context.Context) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRow(ctx, `
		SELECT id, name, active, principal, created_at
		FROM tenants WHERE principal AND active
		LIMIT 1`).
		Scan(&t.ID, &t.Name, &t.Active, &t.Principal, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
