package repository

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-broker/internal/database"
)

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &database.DB{DB: sqlx.NewDb(mockDB, "postgres")}, mock
}

var (
	accountColumns = []string{"id", "balance", "version", "created_at", "updated_at", "disabled_at"}
	entryColumns   = []string{"id", "account_id", "delta", "reason", "idempotency_key", "created_at"}
	paymentColumns = []string{
		"reference", "account_id", "credits_granted", "raw_payload_hash", "status",
		"reject_reason", "created_at", "updated_at", "applied_at",
	}
)
