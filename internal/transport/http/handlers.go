package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"fitledger/internal/model"
	"fitledger/internal/provider"
	"fitledger/internal/service"
)

type Handler struct {
	students     *service.StudentBalanceService
	professors   *service.ProfessorHourService
	grants       *service.CreditGrantService
	intents      *service.PaymentIntentService
	provider     provider.Provider
	webhookToken string
	log          *logrus.Logger
}

func NewHandler(students *service.StudentBalanceService, professors *service.ProfessorHourService, grants *service.CreditGrantService, intents *service.PaymentIntentService, p provider.Provider, webhookToken string, log *logrus.Logger) *Handler {
	return &Handler{
		students:     students,
		professors:   professors,
		grants:       grants,
		intents:      intents,
		provider:     p,
		webhookToken: webhookToken,
		log:          log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ledgerRequest is the shared body shape of student/professor ledger calls.
type ledgerRequest struct {
	TenantID  string            `json:"tenant_id"`
	UnitID    string            `json:"unit_id"`
	Qty       int64             `json:"qty"`
	BookingID string            `json:"booking_id"`
	UnlockAt  *time.Time        `json:"unlock_at"`
	Source    string            `json:"source"`
	Meta      map[string]string `json:"meta"`
	GrantedBy string            `json:"granted_by"`
	RevokedBy string            `json:"revoked_by"`
	Reason    string            `json:"reason"`

	// grant audit fields
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	GrantedByEmail string `json:"granted_by_email"`
	FranchiseID    string `json:"franchise_id"`
}

func (req *ledgerRequest) scope() model.Scope {
	return model.Scope{TenantID: req.TenantID, UnitID: req.UnitID}
}

func (req *ledgerRequest) source(fallback model.TxnSource) model.TxnSource {
	if req.Source == "" {
		return fallback
	}
	return model.TxnSource(req.Source)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, errors.New("invalid_json"))
		return false
	}
	return true
}

func scopeFromQuery(r *http.Request) model.Scope {
	return model.Scope{
		TenantID: r.URL.Query().Get("tenant_id"),
		UnitID:   r.URL.Query().Get("unit_id"),
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return page, limit
}

// statusFor maps the error taxonomy onto HTTP statuses. InvalidScope is a
// configuration fault, not caller error, hence 500.
func statusFor(err error) int {
	var insufficient *model.InsufficientBalanceError
	var insufficientLocked *model.InsufficientLockedBalanceError
	var providerErr *model.ProviderError

	switch {
	case errors.Is(err, model.ErrBalanceNotFound),
		errors.Is(err, model.ErrTenantNotFound),
		errors.Is(err, model.ErrPaymentIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidState),
		errors.As(err, &insufficient),
		errors.As(err, &insufficientLocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNonPositiveQuantity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrCheckoutUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &providerErr):
		switch providerErr.Kind {
		case model.ProviderBusinessRule:
			return http.StatusBadRequest
		case model.ProviderConfiguration:
			return http.StatusInternalServerError
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

type balanceReply struct {
	Balance     any `json:"balance"`
	Transaction any `json:"transaction,omitempty"`
}

func (h *Handler) respondMutation(w http.ResponseWriter, bal, txn any, err error) {
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, balanceReply{Balance: bal, Transaction: txn})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}

	var insufficient *model.InsufficientBalanceError
	var insufficientLocked *model.InsufficientLockedBalanceError
	if errors.As(err, &insufficient) {
		body["available"] = insufficient.Available
		body["required"] = insufficient.Required
	} else if errors.As(err, &insufficientLocked) {
		body["locked"] = insufficientLocked.Locked
		body["required"] = insufficientLocked.Required
	}

	h.respondJSON(w, status, body)
}

// ── student endpoints ─────────────────────────────────────────────────────────

func (h *Handler) StudentBalance(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	bal, err := h.students.GetOrCreateBalance(r.Context(), studentID, scopeFromQuery(r))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, bal)
}

func (h *Handler) StudentHistory(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	page, limit := pageParams(r)
	txns, total, err := h.students.History(r.Context(), studentID, scopeFromQuery(r), page, limit)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transactions": txns, "total": total, "page": page})
}

func (h *Handler) StudentPurchase(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.students.Purchase(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.source(model.SourceStudent), req.Meta)
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) StudentLock(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	unlockAt := time.Now().Add(24 * time.Hour)
	if req.UnlockAt != nil {
		unlockAt = *req.UnlockAt
	}
	bal, txn, err := h.students.Lock(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.BookingID, unlockAt, req.source(model.SourceStudent))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) StudentUnlock(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.students.Unlock(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) StudentConsume(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.students.Consume(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceProfessor))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) StudentRefund(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.students.Refund(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

// StudentGrant moves the balance and appends the audit row in sequence: the
// ledger transaction is authoritative, the grant row records who and why.
func (h *Handler) StudentGrant(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	studentID := chi.URLParam(r, "studentID")

	bal, txn, err := h.students.Grant(r.Context(), studentID, req.scope(), req.Qty, req.GrantedBy, req.Reason)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}

	grant, err := h.grants.Append(r.Context(), model.CreditGrant{
		RecipientID:    studentID,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		CreditType:     model.CreditTypeStudentClass,
		Quantity:       req.Qty,
		Reason:         req.Reason,
		GrantedByID:    req.GrantedBy,
		GrantedByEmail: req.GrantedByEmail,
		TenantID:       txn.TenantID,
		FranchiseID:    req.FranchiseID,
		TransactionID:  txn.ID,
	})
	if err != nil {
		// The credits are already granted; an audit failure must be visible.
		h.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "error": err}).
			Error("grant audit append failed after ledger credit")
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"balance": bal, "transaction": txn, "grant": grant})
}

func (h *Handler) StudentRevoke(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.students.Revoke(r.Context(), chi.URLParam(r, "studentID"),
		req.scope(), req.Qty, req.RevokedBy, req.Reason)
	h.respondMutation(w, bal, txn, err)
}

// ── professor endpoints ───────────────────────────────────────────────────────

func (h *Handler) ProfessorBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.professors.GetOrCreateBalance(r.Context(), chi.URLParam(r, "professorID"), scopeFromQuery(r))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, bal)
}

func (h *Handler) ProfessorHistory(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	txns, total, err := h.professors.History(r.Context(), chi.URLParam(r, "professorID"), scopeFromQuery(r), page, limit)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transactions": txns, "total": total, "page": page})
}

func (h *Handler) ProfessorPurchase(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.Purchase(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.source(model.SourceProfessor), req.Meta)
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorLock(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.Lock(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceProfessor))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorUnlock(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.Unlock(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorLockBonus(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.LockBonus(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.UnlockAt, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorUnlockBonus(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.UnlockBonus(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorRevokeBonus(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.RevokeBonusLock(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorConsume(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.ConsumeAvailable(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorRefund(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, txn, err := h.professors.Refund(r.Context(), chi.URLParam(r, "professorID"),
		req.scope(), req.Qty, req.BookingID, req.source(model.SourceSystem))
	h.respondMutation(w, bal, txn, err)
}

func (h *Handler) ProfessorGrant(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	professorID := chi.URLParam(r, "professorID")

	bal, txn, err := h.professors.Grant(r.Context(), professorID, req.scope(), req.Qty, req.GrantedBy, req.Reason)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}

	grant, err := h.grants.Append(r.Context(), model.CreditGrant{
		RecipientID:    professorID,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		CreditType:     model.CreditTypeProfessorHour,
		Quantity:       req.Qty,
		Reason:         req.Reason,
		GrantedByID:    req.GrantedBy,
		GrantedByEmail: req.GrantedByEmail,
		TenantID:       txn.TenantID,
		FranchiseID:    req.FranchiseID,
		TransactionID:  txn.ID,
	})
	if err != nil {
		h.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "error": err}).
			Error("grant audit append failed after ledger credit")
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"balance": bal, "transaction": txn, "grant": grant})
}

func (h *Handler) ProfessorSyncLocked(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, err := h.professors.SyncLockedHours(r.Context(), chi.URLParam(r, "professorID"), req.scope())
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, bal)
}

// ── grant audit query ─────────────────────────────────────────────────────────

func (h *Handler) QueryGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := pageParams(r)

	filter := service.GrantFilter{
		TenantID:       q.Get("tenant_id"),
		FranchiseID:    q.Get("franchise_id"),
		CreditType:     model.CreditType(q.Get("credit_type")),
		RecipientEmail: q.Get("recipient_email"),
		GrantedBy:      q.Get("granted_by"),
		Page:           page,
		Limit:          limit,
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = &from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = &to
	}

	pageResult, err := h.grants.Query(r.Context(), filter)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, pageResult)
}
