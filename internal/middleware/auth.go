package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/audit"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/util"
)

type contextKey string

const (
	SessionContextKey contextKey = "session"
	AccountContextKey contextKey = "account"
)

// GetSessionID returns the session a verified transport credential was
// issued for, or "" outside credentialed routes.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionContextKey).(string); ok {
		return id
	}
	return ""
}

// GetAccountID returns the account a verified account credential was issued
// for, or "" outside account routes.
func GetAccountID(ctx context.Context) string {
	if id, ok := ctx.Value(AccountContextKey).(string); ok {
		return id
	}
	return ""
}

// CredentialVerifier checks a credential for an audience and returns its
// subject.
type CredentialVerifier interface {
	Verify(rawToken, audience string) (string, error)
}

// CredentialMiddleware admits requests carrying a credential for one
// audience. When the route has an {id} parameter it must equal the
// credential subject. The subject is stored in the request context.
type CredentialMiddleware struct {
	verifier   CredentialVerifier
	audience   string
	contextKey contextKey
	kind       string
}

// NewCredentialMiddleware guards /sessions/{id} routes with transport credentials.
func NewCredentialMiddleware(verifier CredentialVerifier) *CredentialMiddleware {
	return &CredentialMiddleware{
		verifier:   verifier,
		audience:   issuer.AudienceTransport,
		contextKey: SessionContextKey,
		kind:       "session",
	}
}

// NewAccountCredentialMiddleware guards account-scoped routes: opening
// sessions and reading the balance.
func NewAccountCredentialMiddleware(verifier CredentialVerifier) *CredentialMiddleware {
	return &CredentialMiddleware{
		verifier:   verifier,
		audience:   issuer.AudienceAccount,
		contextKey: AccountContextKey,
		kind:       "account",
	}
}

func (m *CredentialMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing "+m.audience+" credential"))
			return
		}

		subject, err := m.verifier.Verify(token, m.audience)
		if err != nil {
			log.Warn().Err(err).Str("audience", m.audience).Msg("credential middleware: invalid credential")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure, Details: map[string]interface{}{"reason": "invalid_credential", "audience": m.audience}})
			writeError(w, apperrors.Unauthorized("Invalid "+m.audience+" credential"))
			return
		}

		if routeID := chi.URLParam(r, "id"); routeID != "" && routeID != subject {
			event := audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": m.kind + "_mismatch"},
			}
			if m.kind == "session" {
				event.SessionID = routeID
			} else {
				event.AccountID = routeID
			}
			audit.LogFromRequest(r, event)
			writeError(w, apperrors.Forbidden("Credential was issued for another "+m.kind))
			return
		}

		ctx := context.WithValue(r.Context(), m.contextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminKeyMiddleware guards operator routes with a bcrypt-hashed key sent in
// X-Admin-Key. With no hash configured the routes are disabled.
type AdminKeyMiddleware struct {
	keyHash string
}

func NewAdminKeyMiddleware(keyHash string) *AdminKeyMiddleware {
	return &AdminKeyMiddleware{keyHash: keyHash}
}

func (m *AdminKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.keyHash == "" {
			writeError(w, apperrors.NotFound("Route"))
			return
		}

		key := r.Header.Get("X-Admin-Key")
		if key == "" || !util.CheckKeyHash(key, m.keyHash) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure, Details: map[string]interface{}{"reason": "admin_key"}})
			writeError(w, apperrors.Unauthorized("Invalid admin key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	// EventSource cannot set headers, so the stream passes it as a query param.
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
