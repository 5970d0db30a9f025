package model

import "time"

// LedgerEntry is an immutable balance change. Exactly one entry exists per IdempotencyKey.
type LedgerEntry struct {
	ID             string       `db:"id" json:"id"`
	AccountID      string       `db:"account_id" json:"accountId"`
	Delta          int64        `db:"delta" json:"delta"`
	Reason         LedgerReason `db:"reason" json:"reason"`
	IdempotencyKey string       `db:"idempotency_key" json:"idempotencyKey"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
}

type ApplyEntryParams struct {
	EntryID        string
	AccountID      string
	Delta          int64
	Reason         LedgerReason
	IdempotencyKey string
}
