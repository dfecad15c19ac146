package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CustomerInput identifies the local actor at the payment provider. TaxID is
// required by Brazilian providers; its absence is a business-rule failure
// before any remote call is made.
type CustomerInput struct {
	Name  string
	Email string
	TaxID string
	Phone string
}

type Customer struct {
	ID string
}

// Split routes a percentage of a charge to another provider wallet
// (the franchise revenue share).
type Split struct {
	WalletID   string
	Percentage float64
}

type PaymentInput struct {
	CustomerID  string
	BillingType string // BOLETO, PIX, CREDIT_CARD, UNDEFINED
	Value       decimal.Decimal
	DueDate     time.Time
	Description string
	ExternalRef string
	Splits      []Split
}

// Payment is a charge at the provider. CheckoutURL may be empty on creation;
// callers fall back to GeneratePaymentLink, then GetPayment, then
// FallbackCheckoutURL.
type Payment struct {
	ID          string
	Status      string
	CheckoutURL string
}

type PaymentLinks struct {
	PaymentURL  string
	BankSlipURL string
	PixCode     string
}

// WebhookEvent is the normalized form of a raw provider webhook payload.
// Status is the provider status vocabulary ("CONFIRMED", "OVERDUE", ...);
// mapping into the canonical intent state machine happens in the service.
type WebhookEvent struct {
	ProviderID string
	Status     string
}

// Provider is the payment-gateway boundary consumed by the payment-intent
// service. Implementations classify their failures with model.ProviderError.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error)
	CreatePayment(ctx context.Context, in PaymentInput) (*Payment, error)
	GeneratePaymentLink(ctx context.Context, paymentID string) (*PaymentLinks, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	CancelPayment(ctx context.Context, paymentID string) error
	ParseWebhook(raw []byte) (*WebhookEvent, error)
	FallbackCheckoutURL(paymentID string) string
}
