package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/tutorly/session-broker/internal/issuer"
)

type stubVerifier struct {
	sessionID string
	err       error
	audience  string
}

func (s *stubVerifier) Verify(rawToken, audience string) (string, error) {
	s.audience = audience
	if s.err != nil {
		return "", s.err
	}
	return s.sessionID, nil
}

func credentialRouter(v CredentialVerifier) http.Handler {
	r := chi.NewRouter()
	r.With(NewCredentialMiddleware(v).Handler).Get("/sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetSessionID(r.Context())))
	})
	return r
}

func TestCredentialMiddleware(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		rec := httptest.NewRecorder()
		credentialRouter(&stubVerifier{}).ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/s-1/events", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer credential for the route session", func(t *testing.T) {
		v := &stubVerifier{sessionID: "s-1"}
		req := httptest.NewRequest("GET", "/sessions/s-1/events", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()

		credentialRouter(v).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "s-1", rec.Body.String())
		assert.Equal(t, issuer.AudienceTransport, v.audience)
	})

	t.Run("query credential", func(t *testing.T) {
		rec := httptest.NewRecorder()
		credentialRouter(&stubVerifier{sessionID: "s-1"}).ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/s-1/events?token=tok", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("credential for another session", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/sessions/s-2/events", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()

		credentialRouter(&stubVerifier{sessionID: "s-1"}).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid credential", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/sessions/s-1/events", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()

		credentialRouter(&stubVerifier{err: errors.New("expired")}).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAccountCredentialMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(NewAccountCredentialMiddleware(&stubVerifier{sessionID: "acc-1"}).Handler)
		echo := func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(GetAccountID(r.Context()))) }
		r.Post("/sessions", echo)
		r.Get("/accounts/{id}/balance", echo)
	})

	t.Run("create session carries the account", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/sessions", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acc-1", rec.Body.String())
	})

	t.Run("balance of another account", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/accounts/acc-2/balance", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing credential", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/sessions", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("verifies the account audience", func(t *testing.T) {
		v := &stubVerifier{sessionID: "acc-1"}
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer tok")
		NewAccountCredentialMiddleware(v).Handler(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, issuer.AudienceAccount, v.audience)
	})
}

func TestAdminKeyMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-key"), bcrypt.MinCost)
	assert.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		hash   string
		key    string
		status int
	}{
		{"valid key", string(hash), "operator-key", http.StatusNoContent},
		{"wrong key", string(hash), "guess", http.StatusUnauthorized},
		{"missing key", string(hash), "", http.StatusUnauthorized},
		{"disabled", "", "operator-key", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/payments", nil)
			if tt.key != "" {
				req.Header.Set("X-Admin-Key", tt.key)
			}
			rec := httptest.NewRecorder()

			NewAdminKeyMiddleware(tt.hash).Handler(ok).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
