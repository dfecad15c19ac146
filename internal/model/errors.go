package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScope means no active tenant could be resolved for a balance
	// scope, principal fallback included. This is a configuration fault.
	ErrInvalidScope = errors.New("no active tenant resolvable for scope")

	ErrBalanceNotFound       = errors.New("balance not found")
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrPaymentIntentNotFound = errors.New("payment intent not found")

	// ErrUnauthorized is returned when an actor touches an intent they do not own.
	ErrUnauthorized = errors.New("actor does not own payment intent")

	// ErrInvalidState is returned when cancelling a non-PENDING intent.
	ErrInvalidState = errors.New("payment intent is not cancellable in its current state")

	// ErrCheckoutUnavailable means the charge exists but no checkout URL could
	// be resolved through any of the fallback paths.
	ErrCheckoutUnavailable = errors.New("no checkout URL could be resolved for charge")

	ErrNonPositiveQuantity = errors.New("quantity must be positive")
)

// InsufficientBalanceError aborts a guarded debit/reservation. The balance is
// left untouched when it is returned.
type InsufficientBalanceError struct {
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, required %d", e.Available, e.Required)
}

// InsufficientLockedBalanceError aborts an unlock of more than is locked.
type InsufficientLockedBalanceError struct {
	Locked   int64
	Required int64
}

func (e *InsufficientLockedBalanceError) Error() string {
	return fmt.Sprintf("insufficient locked balance: locked %d, required %d", e.Locked, e.Required)
}

// ProviderErrorKind classifies payment-provider failures for the HTTP
// boundary: BusinessRule maps to a 400-equivalent, Configuration to 500,
// External to 502.
type ProviderErrorKind string

const (
	ProviderBusinessRule  ProviderErrorKind = "BUSINESS_RULE"
	ProviderConfiguration ProviderErrorKind = "CONFIGURATION"
	ProviderExternal      ProviderErrorKind = "EXTERNAL"
)

// ProviderError wraps a payment-provider failure with its classification and
// the operation that failed.
type ProviderError struct {
	Kind ProviderErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
