package notifier

import "context"

// CreditsEvent describes a balance movement from the owner's point of view.
// NewBalance is the available quantity after the movement.
type CreditsEvent struct {
	UserID     string `json:"user_id"`
	TenantID   string `json:"tenant_id"`
	UnitID     string `json:"unit_id,omitempty"`
	Qty        int64  `json:"qty"`
	NewBalance int64  `json:"new_balance"`
	BookingID  string `json:"booking_id,omitempty"`
}

// PaymentEvent describes a payment-intent outcome.
type PaymentEvent struct {
	UserID     string `json:"user_id"`
	IntentID   string `json:"intent_id"`
	ProviderID string `json:"provider_id"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
}

// Notifier delivers user-facing events. Every method is fire-and-forget:
// implementations must never block the caller on delivery, and failures are
// logged, never returned — a committed ledger mutation is never rolled back
// because a notification could not go out.
type Notifier interface {
	CreditsPurchased(ctx context.Context, ev CreditsEvent)
	CreditsDebited(ctx context.Context, ev CreditsEvent)
	CreditsRefunded(ctx context.Context, ev CreditsEvent)
	LowBalance(ctx context.Context, ev CreditsEvent)
	ZeroBalance(ctx context.Context, ev CreditsEvent)
	PaymentConfirmed(ctx context.Context, ev PaymentEvent)
	PaymentFailed(ctx context.Context, ev PaymentEvent)
	PaymentRefunded(ctx context.Context, ev PaymentEvent)
}

// Nop discards every event. Used when NATS is not configured and in tests.
type Nop struct{}

func (Nop) CreditsPurchased(context.Context, CreditsEvent) {}
func (Nop) CreditsDebited(context.Context, CreditsEvent)   {}
func (Nop) CreditsRefunded(context.Context, CreditsEvent)  {}
func (Nop) LowBalance(context.Context, CreditsEvent)       {}
func (Nop) ZeroBalance(context.Context, CreditsEvent)      {}
func (Nop) PaymentConfirmed(context.Context, PaymentEvent) {}
func (Nop) PaymentFailed(context.Context, PaymentEvent)    {}
func (Nop) PaymentRefunded(context.Context, PaymentEvent)  {}
