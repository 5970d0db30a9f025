package repofakes

import (
	"context"
	"time"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

type FakeAccountRepo struct {
	store *Store
}

func (r *FakeAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	account, ok := r.store.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *account
	return &cp, nil
}

func (r *FakeAccountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	if _, ok := r.store.accounts[params.ID]; ok {
		return nil, repository.ErrDuplicateKey
	}
	now := time.Now()
	account := &model.Account{ID: params.ID, CreatedAt: now, UpdatedAt: now}
	r.store.accounts[params.ID] = account
	cp := *account
	return &cp, nil
}

func (r *FakeAccountRepo) Disable(ctx context.Context, id string) (*model.Account, error) {
	r.store.lock.Lock()
	defer r.store.lock.Unlock()

	account, ok := r.store.accounts[id]
	if !ok {
		return nil, nil
	}
	if account.DisabledAt == nil {
		now := time.Now()
		account.DisabledAt = &now
		account.UpdatedAt = now
	}
	cp := *account
	return &cp, nil
}

func (r *FakeAccountRepo) Balance(ctx context.Context, id string) (int64, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	account, ok := r.store.accounts[id]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	return account.Balance, nil
}
