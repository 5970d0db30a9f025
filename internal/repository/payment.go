package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tutorly/session-broker/internal/model"
)

type PaymentEventRepository interface {
	FindByReference(ctx context.Context, reference string) (*model.PaymentEvent, error)
	FindByStatus(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error)
	Create(ctx context.Context, params model.CreatePaymentEventParams) (*model.PaymentEvent, error)
	// MarkApplied moves a pending event to applied. It reports false when the
	// event was no longer pending.
	MarkApplied(ctx context.Context, reference, payloadHash string) (bool, error)
	MarkRejected(ctx context.Context, reference, payloadHash, reason string) (bool, error)
}

type paymentEventRepo struct {
	db sqlxDB
}

func NewPaymentEventRepository(db *sqlx.DB) PaymentEventRepository {
	return &paymentEventRepo{db: db}
}

func (r *paymentEventRepo) FindByReference(ctx context.Context, reference string) (*model.PaymentEvent, error) {
	var event model.PaymentEvent
	err := r.db.GetContext(ctx, &event, `
		SELECT * FROM payment_events WHERE reference = $1
	`, reference)
	return HandleNotFound(&event, err)
}

func (r *paymentEventRepo) FindByStatus(ctx context.Context, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	var events []model.PaymentEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM payment_events
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	return events, err
}

func (r *paymentEventRepo) Create(ctx context.Context, params model.CreatePaymentEventParams) (*model.PaymentEvent, error) {
	var event model.PaymentEvent
	err := r.db.GetContext(ctx, &event, `
		INSERT INTO payment_events (reference, account_id, credits_granted)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.Reference, params.AccountID, params.CreditsGranted)
	switch pqCode(err) {
	case pqUniqueViolation:
		return nil, ErrDuplicateKey
	case pqForeignKeyViolation:
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *paymentEventRepo) MarkApplied(ctx context.Context, reference, payloadHash string) (bool, error) {
	now := time.Now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_events SET
			status = 'applied',
			raw_payload_hash = $2,
			applied_at = $3,
			updated_at = $3
		WHERE reference = $1 AND status = 'pending'
	`, reference, payloadHash, now)
	return affectedOne(result, err)
}

func (r *paymentEventRepo) MarkRejected(ctx context.Context, reference, payloadHash, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_events SET
			status = 'rejected',
			raw_payload_hash = $2,
			reject_reason = $3,
			updated_at = $4
		WHERE reference = $1 AND status = 'pending'
	`, reference, payloadHash, reason, time.Now())
	return affectedOne(result, err)
}
