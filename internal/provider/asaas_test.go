package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
)

func testAsaas(t *testing.T, handler http.HandlerFunc) *Asaas {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewAsaas(AsaasConfig{BaseURL: srv.URL, APIKey: "key-1", Logger: log})
}

func TestCreateCustomerRequiresTaxID(t *testing.T) {
	a := NewAsaas(AsaasConfig{APIKey: "key-1"})

	_, err := a.CreateCustomer(context.Background(), CustomerInput{Name: "Ana", Email: "ana@example.com"})
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Kind != model.ProviderBusinessRule {
		t.Fatalf("got %v, want business-rule ProviderError", err)
	}
}

func TestMissingAPIKeyIsConfigurationError(t *testing.T) {
	a := NewAsaas(AsaasConfig{})

	_, err := a.CreateCustomer(context.Background(), CustomerInput{Name: "Ana", TaxID: "123"})
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Kind != model.ProviderConfiguration {
		t.Fatalf("got %v, want configuration ProviderError", err)
	}
}

func TestCreatePaymentSendsSplitAndAuth(t *testing.T) {
	var got map[string]any
	var token string
	a := testAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("access_token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "pay_9", "status": "PENDING", "invoiceUrl": "https://asaas/i/9",
		})
	})

	payment, err := a.CreatePayment(context.Background(), PaymentInput{
		CustomerID:  "cus-1",
		Value:       decimal.NewFromFloat(199.90),
		DueDate:     time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		ExternalRef: "int-1",
		Splits:      []Split{{WalletID: "w-1", Percentage: 30}},
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if payment.ID != "pay_9" || payment.CheckoutURL != "https://asaas/i/9" {
		t.Fatalf("payment %+v", payment)
	}
	if token != "key-1" {
		t.Fatalf("access_token=%q", token)
	}
	if got["billingType"] != "UNDEFINED" {
		t.Fatalf("billingType=%v, want UNDEFINED default", got["billingType"])
	}
	if got["dueDate"] != "2026-09-03" {
		t.Fatalf("dueDate=%v", got["dueDate"])
	}
	splits, ok := got["split"].([]any)
	if !ok || len(splits) != 1 {
		t.Fatalf("split payload missing: %v", got["split"])
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   model.ProviderErrorKind
	}{
		{http.StatusBadRequest, model.ProviderBusinessRule},
		{http.StatusUnauthorized, model.ProviderConfiguration},
		{http.StatusForbidden, model.ProviderConfiguration},
		{http.StatusNotFound, model.ProviderExternal},
	}

	for _, tc := range cases {
		a := testAsaas(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"errors":[{"code":"invalid","description":"nope"}]}`))
		})

		_, err := a.GetPayment(context.Background(), "pay_1")
		var pe *model.ProviderError
		if !errors.As(err, &pe) || pe.Kind != tc.kind {
			t.Errorf("status %d: got %v, want kind %s", tc.status, err, tc.kind)
		}
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	attempts := 0
	a := testAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pay_1", "status": "PENDING"})
	})

	payment, err := a.GetPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.ID != "pay_1" || attempts != 3 {
		t.Fatalf("payment=%+v attempts=%d", payment, attempts)
	}
}

func TestParseWebhook(t *testing.T) {
	a := NewAsaas(AsaasConfig{APIKey: "key-1"})

	t.Run("status in payload", func(t *testing.T) {
		ev, err := a.ParseWebhook([]byte(`{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_1","status":"CONFIRMED"}}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.ProviderID != "pay_1" || ev.Status != "CONFIRMED" {
			t.Fatalf("event %+v", ev)
		}
	})

	t.Run("status derived from event name", func(t *testing.T) {
		ev, err := a.ParseWebhook([]byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_2"}}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.Status != "RECEIVED" {
			t.Fatalf("status=%q, want RECEIVED from the event name", ev.Status)
		}
	})

	t.Run("missing payment id", func(t *testing.T) {
		if _, err := a.ParseWebhook([]byte(`{"event":"PAYMENT_CONFIRMED","payment":{}}`)); err == nil {
			t.Fatal("payload without a payment id must be rejected")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if _, err := a.ParseWebhook([]byte(`{`)); err == nil {
			t.Fatal("malformed payload must be rejected")
		}
	})
}

func TestFallbackCheckoutURL(t *testing.T) {
	a := NewAsaas(AsaasConfig{APIKey: "key-1"})

	if got := a.FallbackCheckoutURL("pay_123"); got != "https://www.asaas.com/i/123" {
		t.Fatalf("got %q", got)
	}
	if got := a.FallbackCheckoutURL(""); got != "" {
		t.Fatalf("empty id must yield no url, got %q", got)
	}
}
