package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
)

// CreditGrantService keeps the immutable audit trail of manual grants. It
// only ever appends: the balance movement itself is the caller's job via the
// balance services, and the two are linked by the ledger transaction id.
type CreditGrantService struct {
	store GrantStore
	log   *logrus.Logger
}

func NewCreditGrantService(store GrantStore, log *logrus.Logger) *CreditGrantService {
	return &CreditGrantService{store: store, log: log}
}

// Append records one grant. ID and CreatedAt are filled here; the row is
// immutable afterwards.
func (s *CreditGrantService) Append(ctx context.Context, g model.CreditGrant) (*model.CreditGrant, error) {
	if g.Quantity <= 0 {
		return nil, model.ErrNonPositiveQuantity
	}
	g.ID = uuid.NewString()
	g.CreatedAt = time.Now().UTC()

	if err := s.store.Append(ctx, &g); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"grant_id":    g.ID,
		"recipient":   g.RecipientID,
		"credit_type": g.CreditType,
		"quantity":    g.Quantity,
		"granted_by":  g.GrantedByID,
	}).Info("credit grant recorded")
	return &g, nil
}

// Query returns a filtered page of the audit trail with pagination totals.
func (s *CreditGrantService) Query(ctx context.Context, f GrantFilter) (*GrantPage, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 20
	}
	return s.store.Query(ctx, f)
}
