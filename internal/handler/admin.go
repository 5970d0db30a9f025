package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/service"
	"github.com/tutorly/session-broker/internal/util"
)

var paymentStatuses = []model.PaymentStatus{
	model.PaymentStatusPending,
	model.PaymentStatusApplied,
	model.PaymentStatusRejected,
}

type AdminHandler struct {
	adminService *service.AdminService
}

func NewAdminHandler(adminService *service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Accounts
	r.Post("/accounts", h.CreateAccount)
	r.Post("/accounts/{id}/disable", h.DisableAccount)
	r.Post("/accounts/{id}/adjust", h.AdjustBalance)
	r.Get("/accounts/{id}/entries", h.ListEntries)
	r.Get("/accounts/{id}/reconcile", h.Reconcile)
	r.Post("/accounts/{id}/credential", h.IssueCredential)

	// Payments awaiting review
	r.Get("/payments", h.ListPayments)

	return r
}

type createAccountRequest struct {
	AccountID      string `json:"accountID" validate:"omitempty,max=64,printascii"`
	InitialCredits int64  `json:"initialCredits" validate:"gte=0"`
}

type adjustRequest struct {
	Delta          int64  `json:"delta" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	Note           string `json:"note" validate:"max=500"`
}

func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	account, err := h.adminService.CreateAccount(r.Context(), req.AccountID, req.InitialCredits)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AdminHandler) DisableAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.adminService.DisableAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	accountID := chi.URLParam(r, "id")
	balance, replayed, err := h.adminService.AdjustBalance(r.Context(), accountID, req.Delta, req.IdempotencyKey, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountID": accountID,
		"balance":   balance,
		"replayed":  replayed,
	})
}

func (h *AdminHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.adminService.Entries(r.Context(), chi.URLParam(r, "id"), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  entries,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// GET /admin/accounts/{id}/reconcile
// Compares the stored balance with the sum of the account's ledger entries.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.adminService.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /admin/accounts/{id}/credential
func (h *AdminHandler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	cred, err := h.adminService.IssueAccountCredential(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"accountID":  accountID,
		"credential": cred,
	})
}

// GET /admin/payments?status=rejected
// Defaults to rejected, the manual review queue.
func (h *AdminHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	status := model.PaymentStatus(r.URL.Query().Get("status"))
	if !util.IsValidEnum(status, paymentStatuses) {
		writeError(w, apperrors.InvalidInput("status", "must be pending, applied or rejected"))
		return
	}
	if status == "" {
		status = model.PaymentStatusRejected
	}

	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.adminService.Payments(r.Context(), status, p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  events,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}
