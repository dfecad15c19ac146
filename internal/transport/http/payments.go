package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
	"fitledger/internal/service"
)

var (
	errMissingUserID   = errors.New("user_id is required")
	errBadWebhookToken = errors.New("invalid webhook token")
)

type checkoutRequest struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	TaxID       string          `json:"tax_id"`
	Phone       string          `json:"phone"`
	TenantID    string          `json:"tenant_id"`
	UnitID      string          `json:"unit_id"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    int64           `json:"quantity"`
	BillingType string          `json:"billing_type"`
	Description string          `json:"description"`
	DueDate     *time.Time      `json:"due_date"`
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	dueDate := time.Now().Add(72 * time.Hour)
	if req.DueDate != nil {
		dueDate = *req.DueDate
	}

	result, err := h.intents.CreatePaymentIntent(r.Context(), service.CreateIntentInput{
		Type: model.PaymentIntentType(req.Type),
		Actor: service.Actor{
			UserID: req.UserID,
			Name:   req.Name,
			Email:  req.Email,
			TaxID:  req.TaxID,
			Phone:  req.Phone,
		},
		Scope:       model.Scope{TenantID: req.TenantID, UnitID: req.UnitID},
		Amount:      req.Amount,
		Quantity:    req.Quantity,
		BillingType: req.BillingType,
		Description: req.Description,
		DueDate:     dueDate,
	})
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.intents.GetIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, intent)
}

func (h *Handler) ListIntents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, errMissingUserID)
		return
	}
	page, limit := pageParams(r)
	intents, total, err := h.intents.ListIntents(r.Context(), userID, page, limit)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"intents": intents, "total": total, "page": page})
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.intents.CancelPaymentIntent(r.Context(), chi.URLParam(r, "intentID"), req.UserID)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, intent)
}

// AsaasWebhook ingests provider events. Asaas retries delivery on non-2xx,
// so processing failures after a successfully parsed event still answer 200
// and rely on logs plus the next event for recovery; only an unreadable or
// unauthenticated request is rejected.
func (h *Handler) AsaasWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" && r.Header.Get("asaas-access-token") != h.webhookToken {
		h.respondError(w, http.StatusUnauthorized, errBadWebhookToken)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}

	event, err := h.provider.ParseWebhook(raw)
	if err != nil {
		h.log.WithField("error", err).Warn("unparseable asaas webhook")
		h.respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.intents.ProcessWebhook(r.Context(), event.ProviderID, event.Status); err != nil {
		h.log.WithFields(logrus.Fields{
			"provider_id": event.ProviderID,
			"status":      event.Status,
			"error":       err,
		}).Error("webhook processing failed")
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func (h *Handler) ExpiredStudentLocks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	locks, err := h.students.ListExpiredLocks(r.Context(), limit)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (h *Handler) ExpiredHourLocks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	locks, err := h.professors.ListExpiredLocks(r.Context(), limit)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"locks": locks})
}
