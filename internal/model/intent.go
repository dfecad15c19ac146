package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentIntentType says what a successful charge buys.
type PaymentIntentType string

const (
	IntentStudentPackage PaymentIntentType = "STUDENT_PACKAGE"
	IntentProfHours      PaymentIntentType = "PROF_HOURS"
)

// PaymentIntentStatus is the canonical intent state machine:
// PENDING -> {PAID, FAILED, CANCELED}. PAID is terminal and guarded by an
// atomic conditional transition; FAILED/CANCELED are deliberately left
// re-transitionable so a retried provider webhook can still settle them.
type PaymentIntentStatus string

const (
	IntentPending  PaymentIntentStatus = "PENDING"
	IntentPaid     PaymentIntentStatus = "PAID"
	IntentFailed   PaymentIntentStatus = "FAILED"
	IntentCanceled PaymentIntentStatus = "CANCELED"
)

// IntentMetadata carries the package details needed to credit the ledger once
// the provider confirms payment.
type IntentMetadata struct {
	Quantity    int64  `json:"quantity"`
	BillingType string `json:"billing_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// PaymentIntent mirrors one charge at the payment provider. ProviderID is the
// external charge id and is unique; webhook processing keys on it.
type PaymentIntent struct {
	ID          string              `json:"id"`
	Type        PaymentIntentType   `json:"type"`
	Provider    string              `json:"provider"`
	ProviderID  string              `json:"provider_id"`
	Amount      decimal.Decimal     `json:"amount"`
	Status      PaymentIntentStatus `json:"status"`
	Metadata    IntentMetadata      `json:"metadata"`
	ActorUserID string              `json:"actor_user_id"`
	TenantID    string              `json:"tenant_id"`
	UnitID      string              `json:"unit_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (i *PaymentIntent) Scope() Scope {
	return Scope{TenantID: i.TenantID, UnitID: i.UnitID}
}

// PaymentStatusFromProvider folds the raw provider status vocabulary into the
// canonical intent state machine. Unknown values stay PENDING.
func PaymentStatusFromProvider(raw string) PaymentIntentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CONFIRMED", "RECEIVED", "RECEIVED_IN_CASH", "PAID":
		return IntentPaid
	case "OVERDUE", "REPROVED", "REPROVED_BY_RISK_ANALYSIS", "FAILED":
		return IntentFailed
	case "DELETED", "REFUNDED", "CANCELED":
		return IntentCanceled
	default:
		return IntentPending
	}
}
