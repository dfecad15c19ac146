package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"fitledger/internal/model"
	"fitledger/internal/service"
)

// GrantStore is the Postgres implementation of service.GrantStore. Rows are
// append-only; there is no update or delete path.
type GrantStore struct {
	db *pgxpool.Pool
}

func NewGrantStore(db *pgxpool.Pool) *GrantStore {
	return &GrantStore{db: db}
}

func (s *GrantStore) Append(ctx context.Context, g *model.CreditGrant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credit_grants
			(id, recipient_id, recipient_email, recipient_name, credit_type, quantity,
			 reason, granted_by_id, granted_by_email, tenant_id, franchise_id, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
		g.ID, g.RecipientID, g.RecipientEmail, g.RecipientName, g.CreditType, g.Quantity,
		g.Reason, g.GrantedByID, g.GrantedByEmail, g.TenantID, g.FranchiseID, g.TransactionID, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("append credit grant: %w", err)
	}
	return nil
}

// Query builds the WHERE clause from whichever filters are set and returns
// one page plus totals.
func (s *GrantStore) Query(ctx context.Context, f service.GrantFilter) (*service.GrantPage, error) {
	where := []string{"true"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TenantID != "" {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if f.FranchiseID != "" {
		where = append(where, "franchise_id = "+arg(f.FranchiseID))
	}
	if f.CreditType != "" {
		where = append(where, "credit_type = "+arg(string(f.CreditType)))
	}
	if f.RecipientEmail != "" {
		where = append(where, "recipient_email ILIKE "+arg("%"+f.RecipientEmail+"%"))
	}
	if f.GrantedBy != "" {
		p := arg("%" + f.GrantedBy + "%")
		where = append(where, "(granted_by_id ILIKE "+p+" OR granted_by_email ILIKE "+p+")")
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= "+arg(*f.To))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM credit_grants WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, recipient_id, recipient_email, recipient_name, credit_type, quantity,
		       reason, granted_by_id, granted_by_email, tenant_id, coalesce(franchise_id, ''),
		       transaction_id, created_at
		FROM credit_grants
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`, cond, arg(f.Limit), arg(pageOffset(f.Page, f.Limit)))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []model.CreditGrant{}
	for rows.Next() {
		var g model.CreditGrant
		if err := rows.Scan(&g.ID, &g.RecipientID, &g.RecipientEmail, &g.RecipientName,
			&g.CreditType, &g.Quantity, &g.Reason, &g.GrantedByID, &g.GrantedByEmail,
			&g.TenantID, &g.FranchiseID, &g.TransactionID, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int((total + int64(f.Limit) - 1) / int64(f.Limit))
	return &service.GrantPage{Grants: grants, Total: total, Page: f.Page, TotalPages: totalPages}, nil
}
