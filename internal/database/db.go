package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/config"
)

// Postgres SQLSTATE codes for failures that are safe to retry as a whole
// transaction.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

const (
	txMaxAttempts = 3
	txRetryDelay  = 20 * time.Millisecond
)

type DB struct {
	*sqlx.DB
}

func Connect(databaseURL string) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.DBMaxOpenConns)
	db.SetMaxIdleConns(config.DBMaxIdleConns)
	db.SetConnMaxLifetime(config.DBConnMaxLifetime)

	log.Debug().
		Int("maxOpen", config.DBMaxOpenConns).
		Int("maxIdle", config.DBMaxIdleConns).
		Dur("maxLifetime", config.DBConnMaxLifetime).
		Msg("database pool configured")

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// WithTx runs fn in a transaction, committing when it returns nil. Ledger
// writes from concurrent sessions can collide on the same account row, so a
// serialization failure or deadlock reruns fn from the start, up to
// txMaxAttempts times. fn must not have side effects outside tx.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = db.runTx(ctx, fn)
		if !isRetryable(err) || attempt == txMaxAttempts {
			return err
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("retrying transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryDelay):
		}
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}
