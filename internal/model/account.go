package model

import (
	"time"
)

type Account struct {
	ID         string     `db:"id" json:"id"`
	Balance    int64      `db:"balance" json:"balance"`
	Version    int64      `db:"version" json:"version"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
	DisabledAt *time.Time `db:"disabled_at" json:"disabledAt,omitempty"`
}

func (a *Account) IsDisabled() bool {
	return a.DisabledAt != nil
}

type CreateAccountParams struct {
	ID string
}
