package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tutorly/session-broker/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	Update(ctx context.Context, params model.UpdateSessionParams) error
	RenewLeases(ctx context.Context, owner string, ids []string, until time.Time) (int64, error)
	EndIfLeaseExpired(ctx context.Context, id string, reason model.EndReason, now time.Time) (*model.Session, error)
	EndExpiredLeases(ctx context.Context, reason model.EndReason, now time.Time) (int64, error)
	DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error)
}

type sessionRepo struct {
	db sqlxDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

// Create inserts the session directly in the connected state, so no
// half-open row exists if the caller fails afterwards.
func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, account_id, state, turn_owner, started_at, last_activity_at, owner_instance, lease_expires_at)
		VALUES ($1, $2, 'connected', 'none', $3, $3, $4, $5)
		RETURNING *
	`, params.ID, params.AccountID, params.StartedAt, params.OwnerInstance, params.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Update writes the snapshot only while the row is open and owned by
// params.OwnerInstance. It returns ErrSessionLost when nothing matched.
func (r *sessionRepo) Update(ctx context.Context, params model.UpdateSessionParams) error {
	ok, err := affectedOne(r.db.ExecContext(ctx, `
		UPDATE sessions SET
			state = $3,
			turn_owner = $4,
			turn_sequence = $5,
			end_reason = $6,
			last_activity_at = $7,
			ended_at = $8,
			lease_expires_at = $9,
			updated_at = NOW()
		WHERE id = $1 AND owner_instance = $2 AND ended_at IS NULL
	`, params.ID, params.OwnerInstance, params.State, params.TurnOwner, params.TurnSequence, params.EndReason,
		params.LastActivityAt, params.EndedAt, params.LeaseExpiresAt))
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionLost
	}
	return nil
}

// RenewLeases extends the lease on the given open sessions of one owner.
func (r *sessionRepo) RenewLeases(ctx context.Context, owner string, ids []string, until time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET lease_expires_at = $3
		WHERE owner_instance = $1 AND id = ANY($2) AND ended_at IS NULL
	`, owner, pq.Array(ids), until)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// EndIfLeaseExpired closes an open session whose owner stopped renewing its
// lease. It returns nil when the session is closed already or still leased.
func (r *sessionRepo) EndIfLeaseExpired(ctx context.Context, id string, reason model.EndReason, now time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE sessions SET
			state = 'ended',
			turn_owner = 'none',
			end_reason = $2,
			ended_at = $3,
			updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL AND lease_expires_at <= $3
		RETURNING *
	`, id, reason, now)
	return HandleNotFound(&session, err)
}

// EndExpiredLeases closes every open session left behind by an instance
// that stopped renewing.
func (r *sessionRepo) EndExpiredLeases(ctx context.Context, reason model.EndReason, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			state = 'ended',
			turn_owner = 'none',
			end_reason = $1,
			ended_at = $2,
			updated_at = NOW()
		WHERE ended_at IS NULL AND lease_expires_at <= $2
	`, reason, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteEndedBefore archives terminal sessions whose retention window has passed.
func (r *sessionRepo) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE ended_at IS NOT NULL AND ended_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
