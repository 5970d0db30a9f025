package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutorly/session-broker/internal/service"
)

type AccountHandler struct {
	ledger *service.LedgerService
}

func NewAccountHandler(ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

// GET /accounts/{id}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountID": accountID,
		"balance":   balance,
	})
}
