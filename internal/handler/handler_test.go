package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-broker/internal/agent"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/middleware"
	"github.com/tutorly/session-broker/internal/repository/repofakes"
	"github.com/tutorly/session-broker/internal/service"
	"github.com/tutorly/session-broker/internal/util"
)

const (
	testWebhookSecret = "handler-test-webhook-secret"
	testSigningSecret = "handler-test-signing-secret"
)

type stubIssuer struct{}

func (stubIssuer) IssueTransportCredential(ctx context.Context, accountID, sessionID string) (*issuer.Credential, error) {
	return &issuer.Credential{Token: "transport-" + sessionID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (stubIssuer) IssueCompletionCredential(ctx context.Context, sessionID string) (*issuer.Credential, error) {
	return &issuer.Credential{Token: "completion-" + sessionID}, nil
}

type stubResponder struct {
	units int64
}

func (s stubResponder) Respond(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	return &agent.Reply{Text: "Try splitting the pizza into eighths.", Units: s.units}, nil
}

type testServer struct {
	store       *repofakes.Store
	ledger      *service.LedgerService
	coordinator *service.SessionCoordinator
	tokens      *issuer.JWTIssuer
	router      http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repofakes.NewStore()
	ledger := service.NewLedgerService(store.Accounts(), store.Ledger(), metrics.Nop{})
	payments := service.NewPaymentService(store.Payments(), store.Accounts(), ledger, testWebhookSecret, metrics.Nop{})
	coordinator := service.NewSessionCoordinator(store.Sessions(), ledger, stubIssuer{}, stubResponder{units: 3}, nil, metrics.Nop{},
		service.CoordinatorConfig{UserTurnCredits: 1, AgentCreditsPerUnit: 1, IdleTimeout: time.Minute, RequestTimeout: 2 * time.Second})
	t.Cleanup(func() { coordinator.Shutdown(context.Background()) })

	sessions := NewSessionHandler(coordinator)
	paymentHandler := NewPaymentHandler(payments)
	accounts := NewAccountHandler(ledger)
	tokens := issuer.NewJWTIssuer(testSigningSecret, "handler-test", time.Minute, time.Minute)
	admin := NewAdminHandler(service.NewAdminService(store.Accounts(), ledger, payments, tokens))
	accountAuth := middleware.NewAccountCredentialMiddleware(tokens)

	r := chi.NewRouter()
	r.With(accountAuth.Handler).Post("/sessions", sessions.Create)
	r.Mount("/sessions/{id}", sessions.Routes())
	r.Post("/payments", paymentHandler.Create)
	r.Get("/payments/{reference}", paymentHandler.Get)
	r.Post("/webhooks/payment", paymentHandler.Webhook)
	r.With(accountAuth.Handler).Get("/accounts/{id}/balance", accounts.Balance)
	r.Mount("/admin", admin.Routes())

	return &testServer{store: store, ledger: ledger, coordinator: coordinator, tokens: tokens, router: r}
}

// asAccount returns the Authorization header for an account credential.
func (s *testServer) asAccount(t *testing.T, accountID string) []string {
	t.Helper()
	cred, err := s.tokens.IssueAccountCredential(context.Background(), accountID)
	require.NoError(t, err)
	return []string{"Authorization", "Bearer " + cred.Token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func signBody(body []byte) string {
	return util.HmacSHA256(testWebhookSecret, body)
}
