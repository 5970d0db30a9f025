package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tutorly/session-broker/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	Disable(ctx context.Context, id string) (*model.Account, error)
	// Balance reads the committed balance straight from storage.
	Balance(ctx context.Context, id string) (int64, error)
}

type accountRepo struct {
	db sqlxDB
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		INSERT INTO accounts (id)
		VALUES ($1)
		RETURNING *
	`, params.ID)
	if pqCode(err) == pqUniqueViolation {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepo) Disable(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	now := time.Now()
	err := r.db.GetContext(ctx, &account, `
		UPDATE accounts SET
			disabled_at = COALESCE(disabled_at, $2),
			updated_at = $2
		WHERE id = $1
		RETURNING *
	`, id, now)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := r.db.GetContext(ctx, &balance, `SELECT balance FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}
