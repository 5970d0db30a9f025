package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventWebhookInvalidSignature EventType = "webhook_invalid_signature"
	EventWebhookUnknownReference EventType = "webhook_unknown_reference"
	EventPaymentRejected         EventType = "payment_rejected"
	EventAccountCreate           EventType = "account_create"
	EventAccountDisable          EventType = "account_disable"
	EventBalanceAdjust           EventType = "balance_adjust"
	EventRateLimitExceed         EventType = "rate_limit_exceeded"
	EventAuthFailure             EventType = "auth_failure"
	EventSessionSuspended        EventType = "session_suspended"
	EventCredentialIssue         EventType = "credential_issue"
)

type Event struct {
	Type      EventType
	AccountID string
	SessionID string
	Reference string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", auditCategory(event.Type)).
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.AccountID != "" {
		logger = logger.With().Str("account_id", event.AccountID).Logger()
	}
	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.Reference != "" {
		logger = logger.With().Str("reference", event.Reference).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	if isAlert(event.Type) {
		logEvent = logger.Warn()
	}
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func auditCategory(t EventType) string {
	switch t {
	case EventWebhookUnknownReference, EventPaymentRejected, EventBalanceAdjust, EventSessionSuspended:
		return "billing"
	default:
		return "security"
	}
}

// isAlert marks events that need a human to look at them.
func isAlert(t EventType) bool {
	switch t {
	case EventWebhookInvalidSignature, EventWebhookUnknownReference, EventPaymentRejected, EventAuthFailure:
		return true
	default:
		return false
	}
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
