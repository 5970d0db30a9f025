package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/audit"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

// AdminService carries the operator actions: provisioning, disabling and
// correcting accounts, and reviewing payments that were not applied.
type AdminService struct {
	accountRepo repository.AccountRepository
	ledger      *LedgerService
	payments    *PaymentService
	credentials AccountCredentialIssuer
}

// AccountCredentialIssuer mints the credential a client uses to open
// sessions and read the balance of one account.
type AccountCredentialIssuer interface {
	IssueAccountCredential(ctx context.Context, accountID string) (*issuer.Credential, error)
}

func NewAdminService(
	accountRepo repository.AccountRepository,
	ledger *LedgerService,
	payments *PaymentService,
	credentials AccountCredentialIssuer,
) *AdminService {
	return &AdminService{
		accountRepo: accountRepo,
		ledger:      ledger,
		payments:    payments,
		credentials: credentials,
	}
}

// CreateAccount provisions an account. Initial credits are granted through
// the ledger under a key derived from the account ID, so a retried request
// never grants twice.
func (s *AdminService) CreateAccount(ctx context.Context, accountID string, initialCredits int64) (*model.Account, error) {
	if initialCredits < 0 {
		return nil, apperrors.InvalidInput("initialCredits", "must not be negative")
	}
	if accountID == "" {
		accountID = uuid.New().String()
	}

	_, err := s.accountRepo.Create(ctx, model.CreateAccountParams{ID: accountID})
	if errors.Is(err, repository.ErrDuplicateKey) {
		return nil, apperrors.AlreadyExists("Account")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if initialCredits > 0 {
		if _, err := s.ledger.Adjust(ctx, accountID, initialCredits, grantKey(accountID)); apperrors.IgnoreDuplicate(err) != nil {
			return nil, err
		}
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventAccountCreate,
		AccountID: accountID,
		Details:   map[string]interface{}{"initial_credits": initialCredits},
	})

	return s.ledger.Account(ctx, accountID)
}

// DisableAccount soft-disables an account. Balance and history are kept;
// further ledger writes are refused.
func (s *AdminService) DisableAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accountRepo.Disable(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}

	audit.Log(ctx, audit.Event{Type: audit.EventAccountDisable, AccountID: accountID})
	log.Info().Str("accountId", accountID).Msg("account disabled")
	return account, nil
}

// AdjustBalance applies an operator correction. A replayed key returns the
// current balance with replayed set.
func (s *AdminService) AdjustBalance(ctx context.Context, accountID string, delta int64, key, note string) (balance int64, replayed bool, err error) {
	balance, err = s.ledger.Adjust(ctx, accountID, delta, adjustKey(key))
	if apperrors.IsDuplicate(err) {
		return balance, true, nil
	}
	if err != nil {
		return 0, false, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventBalanceAdjust,
		AccountID: accountID,
		Details: map[string]interface{}{
			"delta":           delta,
			"idempotency_key": key,
			"note":            note,
			"balance":         balance,
		},
	})
	return balance, false, nil
}

// IssueAccountCredential hands out a client credential for an active account.
func (s *AdminService) IssueAccountCredential(ctx context.Context, accountID string) (*issuer.Credential, error) {
	account, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsDisabled() {
		return nil, apperrors.AccountDisabled()
	}

	cred, err := s.credentials.IssueAccountCredential(ctx, accountID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to issue credential", err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventCredentialIssue, AccountID: accountID})
	return cred, nil
}

func (s *AdminService) Entries(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	if _, err := s.ledger.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, accountID, limit, offset)
}

func (s *AdminService) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	return s.ledger.Reconcile(ctx, accountID)
}

func (s *AdminService) Payments(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	return s.payments.ListByStatus(ctx, status, limit, offset)
}

// Operator ledger keys. Payment references never contain ':' and every other
// key does, so operator and session keys cannot be claimed by a payment.
func grantKey(accountID string) string {
	return "grant:" + accountID
}

func adjustKey(key string) string {
	return "adjust:" + key
}
