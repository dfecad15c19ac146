package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
)

const asaasDefaultBaseURL = "https://api.asaas.com/v3"

// Asaas is a thin REST client for the Asaas payment gateway. Transient
// failures (network errors, 5xx) are retried with a short fibonacci backoff;
// 4xx responses are never retried.
type Asaas struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *logrus.Logger
}

type AsaasConfig struct {
	BaseURL string
	APIKey  string
	Logger  *logrus.Logger
}

func NewAsaas(cfg AsaasConfig) *Asaas {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = asaasDefaultBaseURL
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Asaas{
		baseURL: base,
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (a *Asaas) Name() string { return "ASAAS" }

type asaasErrorBody struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (a *Asaas) do(ctx context.Context, op, method, path string, body, out any) error {
	if a.apiKey == "" {
		return &model.ProviderError{Kind: model.ProviderConfiguration, Op: op,
			Err: errors.New("asaas api key not configured")}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &model.ProviderError{Kind: model.ProviderExternal, Op: op, Err: err}
		}
	}

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("access_token", a.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(&transientError{err: err})
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(&transientError{err: err})
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode %s response: %w", op, err)
				}
			}
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(&transientError{
				err: fmt.Errorf("asaas %s returned %d", op, resp.StatusCode)})
		default:
			return a.classify(op, resp.StatusCode, respBody)
		}
	})
	if err == nil {
		return nil
	}

	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &model.ProviderError{Kind: model.ProviderExternal, Op: op, Err: err}
}

// classify maps non-retryable HTTP failures onto the provider error taxonomy:
// validation rejections are business-rule errors, credential problems are
// configuration errors, everything else is an opaque external failure.
func (a *Asaas) classify(op string, status int, body []byte) error {
	detail := fmt.Errorf("asaas %s returned %d", op, status)
	var parsed asaasErrorBody
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
		detail = fmt.Errorf("asaas %s returned %d: %s (%s)",
			op, status, parsed.Errors[0].Description, parsed.Errors[0].Code)
	}

	switch status {
	case http.StatusBadRequest:
		return &model.ProviderError{Kind: model.ProviderBusinessRule, Op: op, Err: detail}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &model.ProviderError{Kind: model.ProviderConfiguration, Op: op, Err: detail}
	default:
		return &model.ProviderError{Kind: model.ProviderExternal, Op: op, Err: detail}
	}
}

type asaasCustomer struct {
	ID string `json:"id"`
}

func (a *Asaas) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	if strings.TrimSpace(in.TaxID) == "" {
		return nil, &model.ProviderError{Kind: model.ProviderBusinessRule, Op: "createCustomer",
			Err: errors.New("customer tax id (cpf/cnpj) is required")}
	}

	req := map[string]string{
		"name":    in.Name,
		"email":   in.Email,
		"cpfCnpj": in.TaxID,
	}
	if in.Phone != "" {
		req["mobilePhone"] = in.Phone
	}

	var resp asaasCustomer
	if err := a.do(ctx, "createCustomer", http.MethodPost, "/customers", req, &resp); err != nil {
		return nil, err
	}
	return &Customer{ID: resp.ID}, nil
}

type asaasPayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	InvoiceURL  string `json:"invoiceUrl"`
	BankSlipURL string `json:"bankSlipUrl"`
}

func (a *Asaas) CreatePayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	billingType := in.BillingType
	if billingType == "" {
		billingType = "UNDEFINED"
	}

	req := map[string]any{
		"customer":          in.CustomerID,
		"billingType":       billingType,
		"value":             in.Value.InexactFloat64(),
		"dueDate":           in.DueDate.Format("2006-01-02"),
		"description":       in.Description,
		"externalReference": in.ExternalRef,
	}
	if len(in.Splits) > 0 {
		splits := make([]map[string]any, 0, len(in.Splits))
		for _, s := range in.Splits {
			splits = append(splits, map[string]any{
				"walletId":        s.WalletID,
				"percentualValue": s.Percentage,
			})
		}
		req["split"] = splits
	}

	var resp asaasPayment
	if err := a.do(ctx, "createPayment", http.MethodPost, "/payments", req, &resp); err != nil {
		return nil, err
	}
	return &Payment{ID: resp.ID, Status: resp.Status, CheckoutURL: resp.InvoiceURL}, nil
}

func (a *Asaas) GeneratePaymentLink(ctx context.Context, paymentID string) (*PaymentLinks, error) {
	var resp struct {
		InvoiceURL    string `json:"invoiceUrl"`
		BankSlipURL   string `json:"bankSlipUrl"`
		EncodedImage  string `json:"encodedImage"`
		Payload       string `json:"payload"`
		PaymentLink   string `json:"paymentLink"`
		TransactionID string `json:"id"`
	}
	err := a.do(ctx, "generatePaymentLink", http.MethodGet,
		"/payments/"+paymentID+"/billingInfo", nil, &resp)
	if err != nil {
		return nil, err
	}
	url := resp.InvoiceURL
	if url == "" {
		url = resp.PaymentLink
	}
	return &PaymentLinks{PaymentURL: url, BankSlipURL: resp.BankSlipURL, PixCode: resp.Payload}, nil
}

func (a *Asaas) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var resp asaasPayment
	if err := a.do(ctx, "getPayment", http.MethodGet, "/payments/"+paymentID, nil, &resp); err != nil {
		return nil, err
	}
	return &Payment{ID: resp.ID, Status: resp.Status, CheckoutURL: resp.InvoiceURL}, nil
}

func (a *Asaas) CancelPayment(ctx context.Context, paymentID string) error {
	return a.do(ctx, "cancelPayment", http.MethodDelete, "/payments/"+paymentID, nil, nil)
}

// FallbackCheckoutURL builds the conventional invoice address from a charge
// id, used when no URL came back through any API path.
func (a *Asaas) FallbackCheckoutURL(paymentID string) string {
	if paymentID == "" {
		return ""
	}
	return "https://www.asaas.com/i/" + strings.TrimPrefix(paymentID, "pay_")
}

type asaasWebhook struct {
	Event   string `json:"event"`
	Payment struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

// ParseWebhook extracts the charge id and provider status from a raw Asaas
// event. When the payload carries no payment status, the status is derived
// from the event name (PAYMENT_CONFIRMED -> CONFIRMED and so on).
func (a *Asaas) ParseWebhook(raw []byte) (*WebhookEvent, error) {
	var wh asaasWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("parse asaas webhook: %w", err)
	}
	if wh.Payment.ID == "" {
		return nil, errors.New("asaas webhook carries no payment id")
	}

	status := wh.Payment.Status
	if status == "" {
		status = strings.TrimPrefix(strings.ToUpper(wh.Event), "PAYMENT_")
	}
	return &WebhookEvent{ProviderID: wh.Payment.ID, Status: status}, nil
}
