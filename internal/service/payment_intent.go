package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fitledger/internal/metrics"
	"fitledger/internal/model"
	"fitledger/internal/notifier"
	"fitledger/internal/provider"
)

// StudentPurchaser and ProfessorPurchaser are the slices of the balance
// services the intent service needs to credit a paid package.
type StudentPurchaser interface {
	Purchase(ctx context.Context, studentID string, scope model.Scope, qty int64, source model.TxnSource, meta map[string]string) (*model.StudentClassBalance, *model.StudentClassTransaction, error)
}

type ProfessorPurchaser interface {
	Purchase(ctx context.Context, professorID string, scope model.Scope, hours int64, source model.TxnSource, meta map[string]string) (*model.ProfessorHourBalance, *model.HourTransaction, error)
}

// Actor is the purchasing user as the payment provider needs to see them.
type Actor struct {
	UserID string
	Name   string
	Email  string
	TaxID  string
	Phone  string
}

// CreateIntentInput describes one checkout to be opened at the provider.
type CreateIntentInput struct {
	Type        model.PaymentIntentType
	Actor       Actor
	Scope       model.Scope
	Amount      decimal.Decimal
	Quantity    int64
	BillingType string
	Description string
	DueDate     time.Time
}

// CheckoutResult is the persisted intent plus the URL the buyer is sent to.
type CheckoutResult struct {
	Intent      *model.PaymentIntent `json:"intent"`
	CheckoutURL string               `json:"checkout_url"`
}

// CheckoutConfig carries the revenue-split settings applied to every charge.
type CheckoutConfig struct {
	SplitWalletID string
	SplitPercent  float64
}

// PaymentIntentService orchestrates checkout creation at the payment provider
// and turns its asynchronous, at-least-once webhooks into idempotent ledger
// credits.
type PaymentIntentService struct {
	intents    IntentStore
	students   StudentPurchaser
	professors ProfessorPurchaser
	provider   provider.Provider
	notifier   notifier.Notifier
	cfg        CheckoutConfig
	metrics    *metrics.Metrics
	log        *logrus.Logger
}

func NewPaymentIntentService(intents IntentStore, students StudentPurchaser, professors ProfessorPurchaser, p provider.Provider, n notifier.Notifier, cfg CheckoutConfig, m *metrics.Metrics, log *logrus.Logger) *PaymentIntentService {
	if n == nil {
		n = notifier.Nop{}
	}
	return &PaymentIntentService{
		intents:    intents,
		students:   students,
		professors: professors,
		provider:   p,
		notifier:   n,
		cfg:        cfg,
		metrics:    m,
		log:        log,
	}
}

// CreatePaymentIntent resolves a provider customer for the actor, creates the
// charge with the revenue split, resolves a checkout URL and persists the
// intent as PENDING. Nothing is persisted when charge creation fails; a
// charge that exists but yields no URL fails with ErrCheckoutUnavailable
// (flagged gap: that remote charge is not compensated).
func (s *PaymentIntentService) CreatePaymentIntent(ctx context.Context, in CreateIntentInput) (*CheckoutResult, error) {
	start := time.Now()
	if in.Quantity <= 0 {
		return nil, model.ErrNonPositiveQuantity
	}

	customer, err := s.provider.CreateCustomer(ctx, provider.CustomerInput{
		Name:  in.Actor.Name,
		Email: in.Actor.Email,
		TaxID: in.Actor.TaxID,
		Phone: in.Actor.Phone,
	})
	if err != nil {
		return nil, err
	}

	intentID := uuid.NewString()
	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = time.Now().AddDate(0, 0, 3)
	}

	var splits []provider.Split
	if s.cfg.SplitWalletID != "" && s.cfg.SplitPercent > 0 {
		splits = []provider.Split{{WalletID: s.cfg.SplitWalletID, Percentage: s.cfg.SplitPercent}}
	}

	payment, err := s.provider.CreatePayment(ctx, provider.PaymentInput{
		CustomerID:  customer.ID,
		BillingType: in.BillingType,
		Value:       in.Amount,
		DueDate:     dueDate,
		Description: in.Description,
		ExternalRef: intentID,
		Splits:      splits,
	})
	if err != nil {
		return nil, err
	}

	checkoutURL, err := s.resolveCheckoutURL(ctx, payment)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	intent := &model.PaymentIntent{
		ID:         intentID,
		Type:       in.Type,
		Provider:   s.provider.Name(),
		ProviderID: payment.ID,
		Amount:     in.Amount,
		Status:     model.IntentPending,
		Metadata: model.IntentMetadata{
			Quantity:    in.Quantity,
			BillingType: in.BillingType,
			Description: in.Description,
		},
		ActorUserID: in.Actor.UserID,
		TenantID:    in.Scope.TenantID,
		UnitID:      in.Scope.UnitID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.intents.Create(ctx, intent); err != nil {
		// The remote charge survives this failure; there is no cross-system
		// transaction with the provider.
		s.log.WithFields(logrus.Fields{
			"provider_id": payment.ID,
			"error":       err,
		}).Error("charge created at provider but intent persistence failed")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())
	}
	s.log.WithFields(logrus.Fields{
		"intent_id":   intent.ID,
		"provider_id": payment.ID,
		"type":        intent.Type,
		"amount":      intent.Amount.String(),
	}).Info("payment intent created")

	return &CheckoutResult{Intent: intent, CheckoutURL: checkoutURL}, nil
}

// resolveCheckoutURL tries, in order: the URL in the creation response, the
// provider's link-generation call, a full charge fetch, and the conventional
// fallback URL built from the charge id.
func (s *PaymentIntentService) resolveCheckoutURL(ctx context.Context, payment *provider.Payment) (string, error) {
	if payment.CheckoutURL != "" {
		return payment.CheckoutURL, nil
	}

	if links, err := s.provider.GeneratePaymentLink(ctx, payment.ID); err == nil {
		if links.PaymentURL != "" {
			return links.PaymentURL, nil
		}
		if links.BankSlipURL != "" {
			return links.BankSlipURL, nil
		}
	} else {
		s.log.WithFields(logrus.Fields{"provider_id": payment.ID, "error": err}).
			Warn("payment link generation failed, trying full fetch")
	}

	if fetched, err := s.provider.GetPayment(ctx, payment.ID); err == nil && fetched.CheckoutURL != "" {
		return fetched.CheckoutURL, nil
	}

	if url := s.provider.FallbackCheckoutURL(payment.ID); url != "" {
		return url, nil
	}
	return "", model.ErrCheckoutUnavailable
}

// ProcessWebhook applies one provider event to the intent it references.
// Unknown provider ids are logged and dropped (foreign or stale event).
// The PAID transition is an atomic conditional update, so redelivered and
// concurrent duplicates credit the package exactly once. Errors are logged
// with full context and returned; the HTTP boundary still acknowledges
// receipt to avoid provider retry storms.
func (s *PaymentIntentService) ProcessWebhook(ctx context.Context, providerID, rawStatus string) error {
	status := model.PaymentStatusFromProvider(rawStatus)
	logger := s.log.WithFields(logrus.Fields{
		"provider_id": providerID,
		"raw_status":  rawStatus,
		"status":      status,
	})

	intent, err := s.intents.ByProviderID(ctx, providerID)
	if err != nil {
		if errors.Is(err, model.ErrPaymentIntentNotFound) {
			logger.Warn("webhook for unknown payment intent, ignoring")
			s.countWebhook(status, "unknown")
			return nil
		}
		logger.WithField("error", err).Error("webhook intent lookup failed")
		s.countWebhook(status, "error")
		return err
	}

	if intent.Status == model.IntentPaid {
		logger.Info("webhook for already-paid intent, no-op")
		s.countWebhook(status, "duplicate")
		return nil
	}

	switch status {
	case model.IntentPaid:
		transitioned, err := s.intents.MarkPaid(ctx, intent.ID)
		if err != nil {
			logger.WithField("error", err).Error("PAID transition failed")
			s.countWebhook(status, "error")
			return err
		}
		if !transitioned {
			logger.Info("lost PAID race to a concurrent delivery, no-op")
			s.countWebhook(status, "duplicate")
			return nil
		}
		if err := s.creditPackage(ctx, intent); err != nil {
			logger.WithField("error", err).Error("package crediting failed after PAID transition")
			s.countWebhook(status, "error")
			return err
		}
		s.notifier.PaymentConfirmed(ctx, s.event(intent, model.IntentPaid))
		s.countWebhook(status, "ok")
		return nil

	case model.IntentFailed:
		if err := s.intents.SetStatus(ctx, intent.ID, model.IntentFailed); err != nil {
			if errors.Is(err, model.ErrInvalidState) {
				logger.Info("lost the race to a PAID transition, no-op")
				s.countWebhook(status, "duplicate")
				return nil
			}
			s.countWebhook(status, "error")
			return err
		}
		s.notifier.PaymentFailed(ctx, s.event(intent, model.IntentFailed))
		s.countWebhook(status, "ok")
		return nil

	case model.IntentCanceled:
		if err := s.intents.SetStatus(ctx, intent.ID, model.IntentCanceled); err != nil {
			if errors.Is(err, model.ErrInvalidState) {
				logger.Info("lost the race to a PAID transition, no-op")
				s.countWebhook(status, "duplicate")
				return nil
			}
			s.countWebhook(status, "error")
			return err
		}
		s.notifier.PaymentRefunded(ctx, s.event(intent, model.IntentCanceled))
		s.countWebhook(status, "ok")
		return nil

	default:
		if err := s.intents.SetStatus(ctx, intent.ID, model.IntentPending); err != nil {
			if errors.Is(err, model.ErrInvalidState) {
				s.countWebhook(status, "duplicate")
				return nil
			}
			s.countWebhook(status, "error")
			return err
		}
		s.countWebhook(status, "ok")
		return nil
	}
}

// creditPackage dispatches the paid package into the right ledger. The
// purchase notification fires inside the balance service, best-effort.
func (s *PaymentIntentService) creditPackage(ctx context.Context, intent *model.PaymentIntent) error {
	meta := map[string]string{
		"payment_intent_id": intent.ID,
		"provider_id":       intent.ProviderID,
	}

	switch intent.Type {
	case model.IntentStudentPackage:
		_, _, err := s.students.Purchase(ctx, intent.ActorUserID, intent.Scope(), intent.Metadata.Quantity, model.SourceStudent, meta)
		return err
	case model.IntentProfHours:
		_, _, err := s.professors.Purchase(ctx, intent.ActorUserID, intent.Scope(), intent.Metadata.Quantity, model.SourceProfessor, meta)
		return err
	default:
		return errors.New("unknown payment intent type " + string(intent.Type))
	}
}

// CancelPaymentIntent cancels a PENDING intent on behalf of its owner. The
// provider-side cancellation is attempted but its failure does not block the
// local transition — the remote charge may already be gone.
func (s *PaymentIntentService) CancelPaymentIntent(ctx context.Context, id, requesterUserID string) (*model.PaymentIntent, error) {
	intent, err := s.intents.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.ActorUserID != requesterUserID {
		return nil, model.ErrUnauthorized
	}
	if intent.Status != model.IntentPending {
		return nil, model.ErrInvalidState
	}

	if err := s.provider.CancelPayment(ctx, intent.ProviderID); err != nil {
		s.log.WithFields(logrus.Fields{
			"intent_id":   intent.ID,
			"provider_id": intent.ProviderID,
			"error":       err,
		}).Warn("provider-side cancellation failed, cancelling locally anyway")
	}

	if err := s.intents.SetStatus(ctx, intent.ID, model.IntentCanceled); err != nil {
		return nil, err
	}
	intent.Status = model.IntentCanceled
	return intent, nil
}

// GetIntent fetches one intent by id.
func (s *PaymentIntentService) GetIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	return s.intents.ByID(ctx, id)
}

// ListIntents pages through an actor's intents, newest first.
func (s *PaymentIntentService) ListIntents(ctx context.Context, actorUserID string, page, limit int) ([]model.PaymentIntent, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return s.intents.ListByActor(ctx, actorUserID, page, limit)
}

func (s *PaymentIntentService) countWebhook(status model.PaymentIntentStatus, result string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(string(status), result).Inc()
	}
}

func (s *PaymentIntentService) event(intent *model.PaymentIntent, status model.PaymentIntentStatus) notifier.PaymentEvent {
	return notifier.PaymentEvent{
		UserID:     intent.ActorUserID,
		IntentID:   intent.ID,
		ProviderID: intent.ProviderID,
		Amount:     intent.Amount.String(),
		Status:     string(status),
	}
}
