package model

import (
	"time"
)

type Session struct {
	ID             string       `db:"id" json:"sessionId"`
	AccountID      string       `db:"account_id" json:"accountId"`
	State          SessionState `db:"state" json:"state"`
	TurnOwner      TurnOwner    `db:"turn_owner" json:"currentTurnOwner"`
	TurnSequence   int64        `db:"turn_sequence" json:"turnSequence"`
	EndReason      *EndReason   `db:"end_reason" json:"endReason,omitempty"`
	StartedAt      time.Time    `db:"started_at" json:"startedAt"`
	LastActivityAt time.Time    `db:"last_activity_at" json:"lastActivityAt"`
	EndedAt        *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
	UpdatedAt      time.Time    `db:"updated_at" json:"-"`
	OwnerInstance  string       `db:"owner_instance" json:"-"`
	LeaseExpiresAt time.Time    `db:"lease_expires_at" json:"-"`
}

// LeaseLive reports whether the owning instance still holds the session.
func (s *Session) LeaseLive(now time.Time) bool {
	return now.Before(s.LeaseExpiresAt)
}

// CreateSessionParams opens a session already connected and leased to the
// creating instance.
type CreateSessionParams struct {
	ID             string
	AccountID      string
	StartedAt      time.Time
	OwnerInstance  string
	LeaseExpiresAt time.Time
}

// UpdateSessionParams applies only while the row is open and still owned by
// OwnerInstance. Each write extends the lease.
type UpdateSessionParams struct {
	ID             string
	OwnerInstance  string
	State          SessionState
	TurnOwner      TurnOwner
	TurnSequence   int64
	EndReason      *EndReason
	LastActivityAt time.Time
	EndedAt        *time.Time
	LeaseExpiresAt time.Time
}
