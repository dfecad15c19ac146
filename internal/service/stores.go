package service

import (
	"context"
	"time"

	"fitledger/internal/model"
)

// StudentKey addresses one student balance row.
type StudentKey struct {
	StudentID string
	Scope     model.Scope
}

// ProfessorKey addresses one professor hour-balance row.
type ProfessorKey struct {
	ProfessorID string
	Scope       model.Scope
}

// StudentMutation runs inside the store's transaction with the balance row
// locked. It mutates the aggregate in place and returns the ledger row that
// justifies the mutation; returning an error rolls everything back.
type StudentMutation func(b *model.StudentClassBalance) (*model.StudentClassTransaction, error)

// HourMutation is the professor-hours counterpart of StudentMutation.
type HourMutation func(b *model.ProfessorHourBalance) (*model.HourTransaction, error)

// StudentStore persists student balances and their append-only ledger.
// Mutate is the only write path: the implementation must serialize concurrent
// mutations per key (row lock or equivalent) and write the aggregate and the
// ledger row in one atomic unit. GetOrCreate must tolerate concurrent
// first-time callers via a conflict-tolerant upsert.
type StudentStore interface {
	GetOrCreate(ctx context.Context, key StudentKey) (*model.StudentClassBalance, error)
	Get(ctx context.Context, key StudentKey) (*model.StudentClassBalance, error)
	Mutate(ctx context.Context, key StudentKey, fn StudentMutation) (*model.StudentClassBalance, *model.StudentClassTransaction, error)
	History(ctx context.Context, key StudentKey, page, limit int) ([]model.StudentClassTransaction, int64, error)
	ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.StudentClassTransaction, error)
}

// HourStore persists professor hour balances and their ledger, with the same
// atomicity contract as StudentStore. SyncLocked recomputes locked hours from
// the unresolved lock rows in the ledger and overwrites the aggregate.
type HourStore interface {
	GetOrCreate(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error)
	Get(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error)
	Mutate(ctx context.Context, key ProfessorKey, fn HourMutation) (*model.ProfessorHourBalance, *model.HourTransaction, error)
	History(ctx context.Context, key ProfessorKey, page, limit int) ([]model.HourTransaction, int64, error)
	ExpiredLocks(ctx context.Context, now time.Time, limit int) ([]model.HourTransaction, error)
	SyncLocked(ctx context.Context, key ProfessorKey) (*model.ProfessorHourBalance, error)
	ListBalances(ctx context.Context, offset, limit int) ([]model.ProfessorHourBalance, error)
}

// TenantStore resolves balance scopes.
type TenantStore interface {
	Get(ctx context.Context, id string) (*model.Tenant, error)
	Principal(ctx context.Context) (*model.Tenant, error)
}

// GrantFilter narrows a credit-grant audit query. Zero values mean "any".
type GrantFilter struct {
	TenantID       string
	FranchiseID    string
	CreditType     model.CreditType
	RecipientEmail string // substring match
	GrantedBy      string // substring match on id or email
	From           *time.Time
	To             *time.Time
	Page           int
	Limit          int
}

// GrantPage is one page of audit rows plus pagination totals.
type GrantPage struct {
	Grants     []model.CreditGrant `json:"grants"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	TotalPages int                 `json:"total_pages"`
}

// GrantStore is append-only: audit rows are never updated or deleted.
type GrantStore interface {
	Append(ctx context.Context, g *model.CreditGrant) error
	Query(ctx context.Context, f GrantFilter) (*GrantPage, error)
}

// IntentStore persists payment intents. MarkPaid must be an atomic
// "transition unless already PAID" conditional update and report whether this
// call performed the transition — that row count is the whole idempotency
// guard against duplicate webhook deliveries. SetStatus never overwrites a
// PAID row; it reports ErrInvalidState when the guard refuses the write and
// ErrPaymentIntentNotFound when the row is missing.
type IntentStore interface {
	Create(ctx context.Context, intent *model.PaymentIntent) error
	ByID(ctx context.Context, id string) (*model.PaymentIntent, error)
	ByProviderID(ctx context.Context, providerID string) (*model.PaymentIntent, error)
	MarkPaid(ctx context.Context, id string) (bool, error)
	SetStatus(ctx context.Context, id string, status model.PaymentIntentStatus) error
	ListByActor(ctx context.Context, actorUserID string, page, limit int) ([]model.PaymentIntent, int64, error)
}
