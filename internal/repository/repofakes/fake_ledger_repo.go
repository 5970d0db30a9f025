package repofakes

import (
	"context"
	"time"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

type FakeLedgerRepo struct {
	store *Store
}

func (r *FakeLedgerRepo) Apply(ctx context.Context, params model.ApplyEntryParams) (*model.LedgerEntry, int64, error) {
	s := r.store
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ApplyErr; err != nil {
		s.ApplyErr = nil
		return nil, 0, err
	}
	if _, ok := s.keys[params.IdempotencyKey]; ok {
		return nil, 0, repository.ErrDuplicateKey
	}
	account, ok := s.accounts[params.AccountID]
	if !ok {
		return nil, 0, repository.ErrAccountNotFound
	}
	if account.IsDisabled() {
		return nil, 0, repository.ErrAccountDisabled
	}
	if account.Balance+params.Delta < 0 {
		return nil, 0, repository.ErrInsufficientBalance
	}

	now := time.Now()
	entry := model.LedgerEntry{
		ID:             params.EntryID,
		AccountID:      params.AccountID,
		Delta:          params.Delta,
		Reason:         params.Reason,
		IdempotencyKey: params.IdempotencyKey,
		CreatedAt:      now,
	}
	s.appendEntry(entry)
	account.Balance += params.Delta
	account.Version++
	account.UpdatedAt = now

	return &entry, account.Balance, nil
}

func (r *FakeLedgerRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	r.store.lock.RLock()
	defer r.store.lock.RUnlock()

	idx, ok := r.store.keys[key]
	if !ok {
		return nil, nil
	}
	entry := r.store.entries[idx]
	return &entry, nil
}

func (r *FakeLedgerRepo) FindByAccountID(ctx context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	// Newest first, matching the SQL ordering.
	entries := r.store.Entries(accountID)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *FakeLedgerRepo) SumByAccountID(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	for _, e := range r.store.Entries(accountID) {
		sum += e.Delta
	}
	return sum, nil
}
