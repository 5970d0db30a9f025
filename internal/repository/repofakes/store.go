// Package repofakes holds in-memory repositories with the same atomicity
// guarantees as the Postgres ones. Tests use them to drive the services
// concurrently without a database.
package repofakes

import (
	"sync"
	"time"

	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
)

var (
	_ repository.AccountRepository      = (*FakeAccountRepo)(nil)
	_ repository.LedgerRepository       = (*FakeLedgerRepo)(nil)
	_ repository.SessionRepository      = (*FakeSessionRepo)(nil)
	_ repository.PaymentEventRepository = (*FakePaymentEventRepo)(nil)
)

// Store is the shared backing state. Accounts and ledger entries live under
// one lock so Apply is atomic the way the SQL transaction is.
type Store struct {
	lock     sync.RWMutex
	accounts map[string]*model.Account
	entries  []model.LedgerEntry
	keys     map[string]int
	sessions map[string]*model.Session
	payments map[string]*model.PaymentEvent

	// ApplyErr, when set, is returned by the next ledger Apply and then cleared.
	ApplyErr error
	// SessionUpdateErr is returned by every session Update while set.
	SessionUpdateErr error
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		keys:     make(map[string]int),
		sessions: make(map[string]*model.Session),
		payments: make(map[string]*model.PaymentEvent),
	}
}

func (s *Store) Accounts() *FakeAccountRepo {
	return &FakeAccountRepo{store: s}
}

func (s *Store) Ledger() *FakeLedgerRepo {
	return &FakeLedgerRepo{store: s}
}

func (s *Store) Sessions() *FakeSessionRepo {
	return &FakeSessionRepo{store: s}
}

func (s *Store) Payments() *FakePaymentEventRepo {
	return &FakePaymentEventRepo{store: s}
}

// SeedAccount creates an account with an opening balance recorded as a
// single adjustment entry, so the balance always equals the entry sum.
func (s *Store) SeedAccount(id string, balance int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := time.Now()
	s.accounts[id] = &model.Account{ID: id, Balance: balance, CreatedAt: now, UpdatedAt: now}
	if balance != 0 {
		s.appendEntry(model.LedgerEntry{
			ID:             "seed-" + id,
			AccountID:      id,
			Delta:          balance,
			Reason:         model.LedgerReasonAdjustment,
			IdempotencyKey: "seed:" + id,
			CreatedAt:      now,
		})
	}
}

// Entries returns a copy of every ledger entry for accountID in insertion order.
func (s *Store) Entries(accountID string) []model.LedgerEntry {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// SessionCount returns how many session records exist.
func (s *Store) SessionCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

func (s *Store) appendEntry(e model.LedgerEntry) {
	s.keys[e.IdempotencyKey] = len(s.entries)
	s.entries = append(s.entries, e)
}
