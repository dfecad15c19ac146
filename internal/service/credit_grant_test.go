package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"fitledger/internal/model"
)

type memGrantStore struct {
	mu         sync.Mutex
	grants     []model.CreditGrant
	lastFilter GrantFilter
}

func (s *memGrantStore) Append(ctx context.Context, g *model.CreditGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, *g)
	return nil
}

func (s *memGrantStore) Query(ctx context.Context, f GrantFilter) (*GrantPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	return &GrantPage{Grants: s.grants, Total: int64(len(s.grants)), Page: f.Page}, nil
}

func TestGrantAppendFillsIdentity(t *testing.T) {
	store := &memGrantStore{}
	svc := NewCreditGrantService(store, testLogger())

	g, err := svc.Append(context.Background(), model.CreditGrant{
		RecipientID: "stu-1",
		CreditType:  model.CreditTypeStudentClass,
		Quantity:    5,
		GrantedByID: "admin-1",
		Reason:      "goodwill",
		TenantID:    "tenant-1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if g.ID == "" || g.CreatedAt.IsZero() {
		t.Fatalf("identity not filled: %+v", g)
	}
	if len(store.grants) != 1 || store.grants[0].ID != g.ID {
		t.Fatalf("row not persisted: %+v", store.grants)
	}
}

func TestGrantAppendRejectsNonPositiveQuantity(t *testing.T) {
	svc := NewCreditGrantService(&memGrantStore{}, testLogger())
	if _, err := svc.Append(context.Background(), model.CreditGrant{Quantity: 0}); !errors.Is(err, model.ErrNonPositiveQuantity) {
		t.Fatalf("got %v, want ErrNonPositiveQuantity", err)
	}
}

func TestGrantQueryNormalizesPaging(t *testing.T) {
	store := &memGrantStore{}
	svc := NewCreditGrantService(store, testLogger())
	ctx := context.Background()

	if _, err := svc.Query(ctx, GrantFilter{Page: 0, Limit: 0}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if store.lastFilter.Page != 1 || store.lastFilter.Limit != 20 {
		t.Fatalf("got page=%d limit=%d, want 1/20", store.lastFilter.Page, store.lastFilter.Limit)
	}

	if _, err := svc.Query(ctx, GrantFilter{Page: 3, Limit: 999}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if store.lastFilter.Page != 3 || store.lastFilter.Limit != 20 {
		t.Fatalf("got page=%d limit=%d, want 3/20 (limit capped)", store.lastFilter.Page, store.lastFilter.Limit)
	}
}
