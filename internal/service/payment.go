package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/audit"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
	"github.com/tutorly/session-broker/internal/util"
)

// Provider event names.
const (
	PaymentEventChargeSuccess = "charge.success"
	PaymentEventChargeFailed  = "charge.failed"
)

// Webhook outcomes reported to the provider. All of them answer 200.
const (
	WebhookStatusApplied        = "applied"
	WebhookStatusAlreadyApplied = "already_applied"
	WebhookStatusRejected       = "rejected"
	WebhookStatusIgnored        = "ignored"
)

type WebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

type WebhookResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// PaymentService reconciles provider webhooks against payments the broker
// initiated. Credit amounts always come from the stored PaymentEvent; the
// webhook only names the reference and the outcome.
type PaymentService struct {
	paymentRepo repository.PaymentEventRepository
	accountRepo repository.AccountRepository
	ledger      *LedgerService
	secret      string
	metrics     metrics.Recorder
}

func NewPaymentService(
	paymentRepo repository.PaymentEventRepository,
	accountRepo repository.AccountRepository,
	ledger *LedgerService,
	webhookSecret string,
	recorder metrics.Recorder,
) *PaymentService {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &PaymentService{
		paymentRepo: paymentRepo,
		accountRepo: accountRepo,
		ledger:      ledger,
		secret:      webhookSecret,
		metrics:     recorder,
	}
}

// Initiate records a pending payment. An empty reference gets a generated one.
func (s *PaymentService) Initiate(ctx context.Context, accountID string, credits int64, reference string) (*model.PaymentEvent, error) {
	if credits <= 0 {
		return nil, apperrors.InvalidInput("creditsGranted", "must be a positive integer")
	}
	if reference == "" {
		reference = "pay_" + uuid.New().String()
	}
	if strings.Contains(reference, ":") {
		return nil, apperrors.InvalidInput("reference", "must not contain ':'")
	}

	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	if account.IsDisabled() {
		return nil, apperrors.AccountDisabled()
	}

	event, err := s.paymentRepo.Create(ctx, model.CreatePaymentEventParams{
		Reference:      reference,
		AccountID:      accountID,
		CreditsGranted: credits,
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateKey):
		return nil, apperrors.AlreadyExists("Payment reference")
	case errors.Is(err, repository.ErrAccountNotFound):
		return nil, apperrors.NotFound("Account")
	case err != nil:
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("reference", reference).
		Str("accountId", accountID).
		Int64("credits", credits).
		Msg("payment initiated")

	return event, nil
}

func (s *PaymentService) Get(ctx context.Context, reference string) (*model.PaymentEvent, error) {
	event, err := s.paymentRepo.FindByReference(ctx, reference)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if event == nil {
		return nil, apperrors.NotFound("Payment")
	}
	return event, nil
}

func (s *PaymentService) ListByStatus(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	events, err := s.paymentRepo.FindByStatus(ctx, status, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return events, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (s *PaymentService) VerifySignature(body []byte, signature string) bool {
	if s.secret == "" || signature == "" {
		return false
	}
	expected := util.HmacSHA256(s.secret, body)
	return util.ConstantTimeEqual(expected, strings.ToLower(strings.TrimSpace(signature)))
}

// HandleWebhook applies one provider notification. Errors that are not
// AppErrors with a 4xx mapping mean the provider should redeliver.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if !s.VerifySignature(body, signature) {
		s.metrics.RecordWebhook(metrics.WebhookInvalidSignature)
		audit.Log(ctx, audit.Event{
			Type:    audit.EventWebhookInvalidSignature,
			Details: map[string]interface{}{"payload_hash": util.SHA256Hex(body)},
		})
		return nil, apperrors.InvalidSignature()
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.ValidationError("Malformed webhook payload")
	}
	reference := payload.Data.Reference
	if reference == "" {
		return nil, apperrors.MissingRequired("data.reference")
	}
	payloadHash := util.SHA256Hex(body)

	event, err := s.paymentRepo.FindByReference(ctx, reference)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if event == nil {
		s.metrics.RecordWebhook(metrics.WebhookUnknownReference)
		audit.Log(ctx, audit.Event{
			Type:      audit.EventWebhookUnknownReference,
			Reference: reference,
			Details:   map[string]interface{}{"event": payload.Event, "payload_hash": payloadHash},
		})
		return nil, apperrors.UnknownReference(reference)
	}

	switch event.Status {
	case model.PaymentStatusApplied:
		s.metrics.RecordWebhook(metrics.WebhookDuplicate)
		log.Info().Str("reference", reference).Str("event", payload.Event).Msg("payment already applied")
		return &WebhookResult{Reference: reference, Status: WebhookStatusAlreadyApplied}, nil
	case model.PaymentStatusRejected:
		s.metrics.RecordWebhook(metrics.WebhookIgnored)
		log.Warn().Str("reference", reference).Str("event", payload.Event).Msg("webhook for rejected payment ignored")
		return &WebhookResult{Reference: reference, Status: WebhookStatusIgnored}, nil
	}

	switch payload.Event {
	case PaymentEventChargeSuccess:
		return s.apply(ctx, event, payloadHash)
	case PaymentEventChargeFailed:
		return s.reject(ctx, event, payloadHash, "charge failed at provider")
	default:
		s.metrics.RecordWebhook(metrics.WebhookIgnored)
		log.Info().Str("reference", reference).Str("event", payload.Event).Msg("unhandled payment event ignored")
		return &WebhookResult{Reference: reference, Status: WebhookStatusIgnored}, nil
	}
}

func (s *PaymentService) apply(ctx context.Context, event *model.PaymentEvent, payloadHash string) (*WebhookResult, error) {
	balance, err := s.ledger.Credit(ctx, event.AccountID, event.CreditsGranted, event.Reference)
	if err = apperrors.IgnoreDuplicate(err); err != nil {
		appErr, _ := apperrors.AsAppError(err)
		switch apperrors.GetCode(err) {
		case apperrors.ErrCodeAccountDisabled, apperrors.ErrCodeNotFound, apperrors.ErrCodeConflict:
			return s.reject(ctx, event, payloadHash, appErr.Message)
		default:
			return nil, err
		}
	}

	// A false result means a concurrent delivery won the pending -> applied
	// race; the ledger key guarantees only one credit landed.
	marked, err := s.paymentRepo.MarkApplied(ctx, event.Reference, payloadHash)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !marked {
		s.metrics.RecordWebhook(metrics.WebhookDuplicate)
		return &WebhookResult{Reference: event.Reference, Status: WebhookStatusAlreadyApplied}, nil
	}

	s.metrics.RecordWebhook(metrics.WebhookApplied)
	log.Info().
		Str("reference", event.Reference).
		Str("accountId", event.AccountID).
		Int64("credits", event.CreditsGranted).
		Int64("balance", balance).
		Msg("payment applied")

	return &WebhookResult{Reference: event.Reference, Status: WebhookStatusApplied}, nil
}

func (s *PaymentService) reject(ctx context.Context, event *model.PaymentEvent, payloadHash, reason string) (*WebhookResult, error) {
	marked, err := s.paymentRepo.MarkRejected(ctx, event.Reference, payloadHash, reason)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !marked {
		// Raced with another delivery; report whatever it decided.
		current, err := s.Get(ctx, event.Reference)
		if err != nil {
			return nil, err
		}
		status := WebhookStatusIgnored
		if current.Status == model.PaymentStatusApplied {
			status = WebhookStatusAlreadyApplied
		}
		return &WebhookResult{Reference: event.Reference, Status: status}, nil
	}

	s.metrics.RecordWebhook(metrics.WebhookRejected)
	log.Error().
		Str("reference", event.Reference).
		Str("accountId", event.AccountID).
		Int64("credits", event.CreditsGranted).
		Str("reason", reason).
		Msg("payment rejected, manual review required")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventPaymentRejected,
		AccountID: event.AccountID,
		Reference: event.Reference,
		Details:   map[string]interface{}{"credits": event.CreditsGranted, "reason": reason},
	})

	return &WebhookResult{Reference: event.Reference, Status: WebhookStatusRejected}, nil
}
