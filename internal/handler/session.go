package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutorly/session-broker/internal/agent"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/middleware"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/service"
	"github.com/tutorly/session-broker/internal/util"
)

type SessionHandler struct {
	coordinator *service.SessionCoordinator
}

func NewSessionHandler(coordinator *service.SessionCoordinator) *SessionHandler {
	return &SessionHandler{coordinator: coordinator}
}

// Routes returns the per-session routes, mounted under /sessions/{id}.
// Callers wrap them with the credential middleware.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Get)
	r.Post("/turns/start", h.StartTurn)
	r.Post("/turns/end", h.EndTurn)
	r.Post("/agent/progress", h.AgentProgress)
	r.Post("/agent/complete", h.AgentComplete)
	r.Post("/disconnect", h.Disconnect)

	return r
}

type createSessionRequest struct {
	AccountID string `json:"accountID" validate:"omitempty,max=64"`
}

type startTurnRequest struct {
	Owner string `json:"owner" validate:"omitempty,oneof=user"`
}

type endTurnRequest struct {
	Transcript string `json:"transcript" validate:"max=16000"`
}

type progressRequest struct {
	Delivered *int64 `json:"delivered" validate:"required,gte=0"`
}

type sessionResponse struct {
	model.Session
	Reply *agent.Reply `json:"reply,omitempty"`
}

// POST /sessions
// The account comes from the account credential. A body accountID is
// optional and must name the same account.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		writeError(w, apperrors.Unauthorized("Account credential required"))
		return
	}
	if req.AccountID != "" && req.AccountID != accountID {
		writeError(w, apperrors.Forbidden("Credential was issued for another account"))
		return
	}

	res, err := h.coordinator.Connect(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := h.coordinator.Get(r.Context(), id)
	writeSession(w, session, nil, err)
}

// POST /sessions/{id}/turns/start
func (h *SessionHandler) StartTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req startTurnRequest
	if err := decodeBody(r, &req, true); err != nil {
		if req.Owner != "" && req.Owner != string(model.TurnOwnerUser) {
			err = apperrors.New(apperrors.ErrCodeInvalidTransition, "Only the user may start a turn")
		}
		writeError(w, err)
		return
	}

	session, err := h.coordinator.StartTurn(r.Context(), id)
	writeSession(w, session, nil, err)
}

// POST /sessions/{id}/turns/end
func (h *SessionHandler) EndTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req endTurnRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.coordinator.EndTurn(r.Context(), id, req.Transcript)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSession(w, &res.Session, res.Reply, nil)
}

// POST /sessions/{id}/agent/progress
func (h *SessionHandler) AgentProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.coordinator.AgentProgress(r.Context(), id, *req.Delivered)
	writeSession(w, session, nil, err)
}

// POST /sessions/{id}/agent/complete
func (h *SessionHandler) AgentComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := h.coordinator.AgentComplete(r.Context(), id)
	writeSession(w, session, nil, err)
}

// POST /sessions/{id}/disconnect
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := h.coordinator.Disconnect(r.Context(), id)
	writeSession(w, session, nil, err)
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !util.IsValidUUID(id) {
		writeError(w, apperrors.NotFound("Session"))
		return "", false
	}
	return id, true
}

func writeSession(w http.ResponseWriter, session *model.Session, reply *agent.Reply, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: *session, Reply: reply})
}
