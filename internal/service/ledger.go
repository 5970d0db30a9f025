package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

// LedgerService is the only writer of account balances. Every mutation is a
// keyed ledger entry; replaying a key returns DuplicateOperation together
// with the current balance.
type LedgerService struct {
	accountRepo repository.AccountRepository
	ledgerRepo  repository.LedgerRepository
	metrics     metrics.Recorder
}

func NewLedgerService(
	accountRepo repository.AccountRepository,
	ledgerRepo repository.LedgerRepository,
	recorder metrics.Recorder,
) *LedgerService {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &LedgerService{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		metrics:     recorder,
	}
}

func (s *LedgerService) Consume(ctx context.Context, accountID string, amount int64, key string) (int64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	return s.apply(ctx, accountID, -amount, model.LedgerReasonSessionUsage, key)
}

func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, key string) (int64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	return s.apply(ctx, accountID, amount, model.LedgerReasonTopup, key)
}

func (s *LedgerService) Refund(ctx context.Context, accountID string, amount int64, key string) (int64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	return s.apply(ctx, accountID, amount, model.LedgerReasonRefund, key)
}

// Adjust applies a signed operator correction. Negative adjustments obey the
// same non-negative balance rule as Consume.
func (s *LedgerService) Adjust(ctx context.Context, accountID string, delta int64, key string) (int64, error) {
	if delta == 0 {
		return 0, apperrors.InvalidInput("delta", "must not be zero")
	}
	return s.apply(ctx, accountID, delta, model.LedgerReasonAdjustment, key)
}

// Balance always reads committed storage; access decisions depend on it.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	balance, err := s.accountRepo.Balance(ctx, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return 0, apperrors.NotFound("Account")
	}
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return balance, nil
}

// Account reads the account row fresh from storage.
func (s *LedgerService) Account(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	return account, nil
}

func (s *LedgerService) Entries(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	entries, err := s.ledgerRepo.FindByAccountID(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return entries, nil
}

// Reconciliation compares an account's stored balance with the sum of its
// ledger entries. The two differ only if a row was changed outside the ledger.
type Reconciliation struct {
	AccountID  string `json:"accountID"`
	Balance    int64  `json:"balance"`
	EntrySum   int64  `json:"entrySum"`
	Consistent bool   `json:"consistent"`
}

func (s *LedgerService) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledgerRepo.SumByAccountID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	rec := &Reconciliation{
		AccountID:  accountID,
		Balance:    account.Balance,
		EntrySum:   sum,
		Consistent: account.Balance == sum,
	}
	if !rec.Consistent {
		log.Error().
			Str("accountId", accountID).
			Int64("balance", account.Balance).
			Int64("entrySum", sum).
			Msg("account balance does not match ledger")
	}
	return rec, nil
}

func (s *LedgerService) apply(ctx context.Context, accountID string, delta int64, reason model.LedgerReason, key string) (int64, error) {
	if key == "" {
		return 0, apperrors.MissingRequired("idempotencyKey")
	}

	_, balance, err := s.ledgerRepo.Apply(ctx, model.ApplyEntryParams{
		EntryID:        uuid.New().String(),
		AccountID:      accountID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if err == nil {
		s.metrics.RecordLedgerDelta(string(reason), delta)
		log.Debug().
			Str("accountId", accountID).
			Str("reason", string(reason)).
			Int64("delta", delta).
			Int64("balance", balance).
			Str("idempotencyKey", key).
			Msg("ledger entry committed")
		return balance, nil
	}

	switch {
	case errors.Is(err, repository.ErrDuplicateKey):
		return s.replayed(ctx, accountID, delta, reason, key)
	case errors.Is(err, repository.ErrInsufficientBalance):
		s.metrics.RecordLedgerRejection("insufficient_credit")
		return 0, apperrors.InsufficientCredit()
	case errors.Is(err, repository.ErrAccountDisabled):
		s.metrics.RecordLedgerRejection("account_disabled")
		return 0, apperrors.AccountDisabled()
	case errors.Is(err, repository.ErrAccountNotFound):
		s.metrics.RecordLedgerRejection("account_not_found")
		return 0, apperrors.NotFound("Account")
	default:
		log.Error().
			Err(err).
			Str("accountId", accountID).
			Str("idempotencyKey", key).
			Msg("ledger apply failed")
		return 0, apperrors.Database(err)
	}
}

// replayed resolves a key collision. Only an entry with the same account,
// delta and reason is the same operation; anything else holding the key is a
// conflict and nothing was applied.
func (s *LedgerService) replayed(ctx context.Context, accountID string, delta int64, reason model.LedgerReason, key string) (int64, error) {
	existing, err := s.ledgerRepo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if existing == nil {
		return 0, apperrors.Database(fmt.Errorf("idempotency key %q reported taken but not found", key))
	}
	if existing.AccountID != accountID || existing.Delta != delta || existing.Reason != reason {
		s.metrics.RecordLedgerRejection("key_conflict")
		log.Warn().
			Str("accountId", accountID).
			Str("existingAccountId", existing.AccountID).
			Int64("delta", delta).
			Int64("existingDelta", existing.Delta).
			Str("idempotencyKey", key).
			Msg("idempotency key bound to a different operation")
		return 0, apperrors.KeyConflict(key)
	}

	current, err := s.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	log.Debug().
		Str("accountId", accountID).
		Str("idempotencyKey", key).
		Msg("ledger entry already committed")
	return current, apperrors.DuplicateOperation(key)
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return apperrors.InvalidInput("amount", "must be a positive integer")
	}
	return nil
}
