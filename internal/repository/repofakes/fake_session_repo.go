package repofakes

import (
	"context"
	"errors"
	"time"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

type FakeSessionRepo struct {
	store *Store
}

func (r *FakeSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	session, ok := r.store.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (r *FakeSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	if _, ok := r.store.sessions[params.ID]; ok {
		return nil, errors.New("session already exists")
	}
	session := &model.Session{
		ID:             params.ID,
		AccountID:      params.AccountID,
		State:          model.SessionStateConnected,
		TurnOwner:      model.TurnOwnerNone,
		StartedAt:      params.StartedAt,
		LastActivityAt: params.StartedAt,
		UpdatedAt:      params.StartedAt,
		OwnerInstance:  params.OwnerInstance,
		LeaseExpiresAt: params.LeaseExpiresAt,
	}
	r.store.sessions[params.ID] = session
	cp := *session
	return &cp, nil
}

func (r *FakeSessionRepo) Update(ctx context.Context, params model.UpdateSessionParams) error {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	if r.store.SessionUpdateErr != nil {
		return r.store.SessionUpdateErr
	}
	session, ok := r.store.sessions[params.ID]
	if !ok || session.EndedAt != nil || session.OwnerInstance != params.OwnerInstance {
		return repository.ErrSessionLost
	}
	session.State = params.State
	session.TurnOwner = params.TurnOwner
	session.TurnSequence = params.TurnSequence
	session.EndReason = params.EndReason
	session.LastActivityAt = params.LastActivityAt
	session.EndedAt = params.EndedAt
	session.LeaseExpiresAt = params.LeaseExpiresAt
	session.UpdatedAt = time.Now()
	return nil
}

func (r *FakeSessionRepo) RenewLeases(ctx context.Context, owner string, ids []string, until time.Time) (int64, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	var count int64
	for _, id := range ids {
		session, ok := r.store.sessions[id]
		if ok && session.EndedAt == nil && session.OwnerInstance == owner {
			session.LeaseExpiresAt = until
			count++
		}
	}
	return count, nil
}

func (r *FakeSessionRepo) EndIfLeaseExpired(ctx context.Context, id string, reason model.EndReason, now time.Time) (*model.Session, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	session, ok := r.store.sessions[id]
	if !ok || session.EndedAt != nil || session.LeaseLive(now) {
		return nil, nil
	}
	endSession(session, reason, now)
	cp := *session
	return &cp, nil
}

func (r *FakeSessionRepo) EndExpiredLeases(ctx context.Context, reason model.EndReason, now time.Time) (int64, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	var count int64
	for _, session := range r.store.sessions {
		if session.EndedAt == nil && !session.LeaseLive(now) {
			endSession(session, reason, now)
			count++
		}
	}
	return count, nil
}

func endSession(session *model.Session, reason model.EndReason, now time.Time) {
	session.State = model.SessionStateEnded
	session.TurnOwner = model.TurnOwnerNone
	session.EndReason = &reason
	session.EndedAt = &now
	session.UpdatedAt = now
}

func (r *FakeSessionRepo) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	var count int64
	for id, session := range r.store.sessions {
		if session.EndedAt != nil && session.EndedAt.Before(before) {
			delete(r.store.sessions, id)
			count++
		}
	}
	return count, nil
}
