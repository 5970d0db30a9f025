package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-broker/internal/agent"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository/repofakes"
	"github.com/tutorly/session-broker/internal/sse"
)

type stubIssuer struct {
	err error
}

func (s *stubIssuer) IssueTransportCredential(ctx context.Context, accountID, sessionID string) (*issuer.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &issuer.Credential{Token: "transport-" + sessionID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (s *stubIssuer) IssueAccountCredential(ctx context.Context, accountID string) (*issuer.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &issuer.Credential{Token: "account-" + accountID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (s *stubIssuer) IssueCompletionCredential(ctx context.Context, sessionID string) (*issuer.Credential, error) {
	return &issuer.Credential{Token: "completion-" + sessionID}, s.err
}

// fakeResponder returns a fixed reply. With block set it waits until block
// is closed or the turn is cancelled.
type fakeResponder struct {
	mu        sync.Mutex
	reply     *agent.Reply
	err       error
	block     chan struct{}
	started   chan struct{}
	cancelled chan struct{}
}

func newFakeResponder(units int64) *fakeResponder {
	return &fakeResponder{
		reply:     &agent.Reply{Text: "Here is a hint.", Units: units},
		started:   make(chan struct{}, 8),
		cancelled: make(chan struct{}, 8),
	}
}

func (f *fakeResponder) Respond(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	f.mu.Lock()
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	signal(f.started)
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			signal(f.cancelled)
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	cp := *reply
	return &cp, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *fakeResponder) blockUntilReleased() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f.block
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, sessionID string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.Type)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type coordinatorFixture struct {
	store       *repofakes.Store
	ledger      *LedgerService
	responder   *fakeResponder
	issuer      *stubIssuer
	publisher   *recordingPublisher
	clock       *testClock
	coordinator *SessionCoordinator
}

func newCoordinatorFixture(t *testing.T, cfg CoordinatorConfig, agentUnits int64) *coordinatorFixture {
	t.Helper()
	store := repofakes.NewStore()
	ledger := NewLedgerService(store.Accounts(), store.Ledger(), metrics.Nop{})
	f := &coordinatorFixture{
		store:     store,
		ledger:    ledger,
		responder: newFakeResponder(agentUnits),
		issuer:    &stubIssuer{},
		publisher: &recordingPublisher{},
		clock:     &testClock{now: time.Now()},
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	f.coordinator = NewSessionCoordinator(store.Sessions(), ledger, f.issuer, f.responder, f.publisher, metrics.Nop{}, cfg)
	f.coordinator.nowFunc = f.clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.coordinator.Shutdown(ctx)
	})
	return f
}

// peer starts a second coordinator over the same storage and clock, as
// another instance of the service would.
func (f *coordinatorFixture) peer(t *testing.T, instanceID string) *SessionCoordinator {
	t.Helper()
	cfg := f.coordinator.cfg
	cfg.InstanceID = instanceID
	c := NewSessionCoordinator(f.store.Sessions(), f.ledger, f.issuer, f.responder, f.publisher, metrics.Nop{}, cfg)
	c.nowFunc = f.clock.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func (f *coordinatorFixture) connect(t *testing.T, accountID string) string {
	t.Helper()
	res, err := f.coordinator.Connect(context.Background(), accountID)
	require.NoError(t, err)
	return res.SessionID
}

func (f *coordinatorFixture) waitForState(t *testing.T, sessionID string, state model.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.coordinator.Get(context.Background(), sessionID)
		return err == nil && s.State == state
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *coordinatorFixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func entrySum(entries []model.LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return sum
}

func entryByKey(entries []model.LedgerEntry, key string) *model.LedgerEntry {
	for i := range entries {
		if entries[i].IdempotencyKey == key {
			return &entries[i]
		}
	}
	return nil
}
