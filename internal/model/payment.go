package model

import "time"

type PaymentEvent struct {
	Reference      string        `db:"reference" json:"reference"`
	AccountID      string        `db:"account_id" json:"accountId"`
	CreditsGranted int64         `db:"credits_granted" json:"creditsGranted"`
	RawPayloadHash *string       `db:"raw_payload_hash" json:"-"`
	Status         PaymentStatus `db:"status" json:"status"`
	RejectReason   *string       `db:"reject_reason" json:"rejectReason,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
	AppliedAt      *time.Time    `db:"applied_at" json:"appliedAt,omitempty"`
}

type CreatePaymentEventParams struct {
	Reference      string
	AccountID      string
	CreditsGranted int64
}
