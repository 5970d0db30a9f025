package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/httputil"
	"github.com/tutorly/session-broker/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Payment-Signature"

type PaymentHandler struct {
	payments *service.PaymentService
}

func NewPaymentHandler(payments *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type createPaymentRequest struct {
	AccountID      string `json:"accountID" validate:"required,max=64"`
	CreditsGranted int64  `json:"creditsGranted" validate:"required,gt=0"`
	Reference      string `json:"reference" validate:"omitempty,max=128,printascii,excludes=:"`
}

// POST /payments
// Registers a pending payment. Credits move only when the signed webhook
// for the reference arrives.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	event, err := h.payments.Initiate(r.Context(), req.AccountID, req.CreditsGranted, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// GET /payments/{reference}
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.payments.Get(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// POST /webhooks/payment
// The signature covers the exact bytes received, so the body is read raw
// and never re-encoded before verification.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
			apperrors.ValidationError("Request body too large"))
		return
	}
	if err != nil {
		writeError(w, apperrors.ValidationError("Failed to read request body"))
		return
	}

	result, err := h.payments.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeDatabase {
			log.Error().Err(err).Msg("payment webhook failed, provider will redeliver")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
