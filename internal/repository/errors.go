package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ErrSessionLost means the session row was closed or taken over by another
// instance, so a conditional write matched nothing.
var ErrSessionLost = errors.New("session no longer owned")

// Postgres SQLSTATE codes the repositories translate.
const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
	pqCheckViolation      = "23514"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
