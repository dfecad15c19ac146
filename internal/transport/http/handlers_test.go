package http

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
	"fitledger/internal/provider"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"balance not found", model.ErrBalanceNotFound, http.StatusNotFound},
		{"tenant not found", model.ErrTenantNotFound, http.StatusNotFound},
		{"intent not found", model.ErrPaymentIntentNotFound, http.StatusNotFound},
		{"unauthorized", model.ErrUnauthorized, http.StatusForbidden},
		{"invalid state", model.ErrInvalidState, http.StatusUnprocessableEntity},
		{"insufficient", &model.InsufficientBalanceError{Available: 1, Required: 2}, http.StatusUnprocessableEntity},
		{"insufficient locked", &model.InsufficientLockedBalanceError{Locked: 0, Required: 1}, http.StatusUnprocessableEntity},
		{"non-positive qty", model.ErrNonPositiveQuantity, http.StatusBadRequest},
		{"checkout unavailable", model.ErrCheckoutUnavailable, http.StatusBadGateway},
		{"provider business rule", &model.ProviderError{Kind: model.ProviderBusinessRule}, http.StatusBadRequest},
		{"provider configuration", &model.ProviderError{Kind: model.ProviderConfiguration}, http.StatusInternalServerError},
		{"provider external", &model.ProviderError{Kind: model.ProviderExternal}, http.StatusBadGateway},
		{"invalid scope", model.ErrInvalidScope, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.err); got != tc.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestRespondErrorIncludesBalancePayload(t *testing.T) {
	h := &Handler{log: discardLogger()}
	rec := httptest.NewRecorder()

	h.respondError(rec, http.StatusUnprocessableEntity, &model.InsufficientBalanceError{Available: 1, Required: 3})

	body := rec.Body.String()
	if !strings.Contains(body, `"available":1`) || !strings.Contains(body, `"required":3`) {
		t.Fatalf("body %s must carry available/required", body)
	}
}

func TestAsaasWebhookRejectsBadToken(t *testing.T) {
	h := &Handler{webhookToken: "secret", log: discardLogger()}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/asaas", strings.NewReader(`{}`))
	req.Header.Set("asaas-access-token", "wrong")
	rec := httptest.NewRecorder()

	h.AsaasWebhook(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
}

func TestAsaasWebhookRejectsUnparseablePayload(t *testing.T) {
	h := &Handler{
		provider: provider.NewAsaas(provider.AsaasConfig{APIKey: "k", Logger: discardLogger()}),
		log:      discardLogger(),
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/asaas", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	h.AsaasWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
