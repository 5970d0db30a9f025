package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tutorly/session-broker/internal/database"
	"github.com/tutorly/session-broker/internal/model"
)

type LedgerRepository interface {
	// Apply appends an entry and moves the account balance by its delta in one
	// transaction. The balance update is conditional on the result staying
	// non-negative; the entry insert is gated by the unique idempotency key.
	Apply(ctx context.Context, params model.ApplyEntryParams) (*model.LedgerEntry, int64, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error)
	FindByAccountID(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error)
	SumByAccountID(ctx context.Context, accountID string) (int64, error)
}

type ledgerRepo struct {
	db *database.DB
}

func NewLedgerRepository(db *database.DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) Apply(ctx context.Context, params model.ApplyEntryParams) (*model.LedgerEntry, int64, error) {
	var entry model.LedgerEntry
	var balance int64

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &entry, `
			INSERT INTO ledger_entries (id, account_id, delta, reason, idempotency_key)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING *
		`, params.EntryID, params.AccountID, params.Delta, params.Reason, params.IdempotencyKey)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateKey
		}
		if pqCode(err) == pqForeignKeyViolation {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &balance, `
			UPDATE accounts SET
				balance = balance + $2,
				version = version + 1,
				updated_at = NOW()
			WHERE id = $1 AND disabled_at IS NULL AND balance + $2 >= 0
			RETURNING balance
		`, params.AccountID, params.Delta)
		if errors.Is(err, sql.ErrNoRows) {
			return classifyRejectedUpdate(ctx, tx, params.AccountID)
		}
		if pqCode(err) == pqCheckViolation {
			return ErrInsufficientBalance
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return &entry, balance, nil
}

// classifyRejectedUpdate explains why the conditional balance update matched no row.
func classifyRejectedUpdate(ctx context.Context, tx *sqlx.Tx, accountID string) error {
	var account model.Account
	err := tx.GetContext(ctx, &account, `SELECT * FROM accounts WHERE id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if account.IsDisabled() {
		return ErrAccountDisabled
	}
	return ErrInsufficientBalance
}

func (r *ledgerRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM ledger_entries WHERE idempotency_key = $1
	`, key)
	return HandleNotFound(&entry, err)
}

func (r *ledgerRepo) FindByAccountID(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	return entries, err
}

func (r *ledgerRepo) SumByAccountID(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = $1
	`, accountID)
	return sum, err
}
