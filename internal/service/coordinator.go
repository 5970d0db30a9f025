package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/agent"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/issuer"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
	"github.com/tutorly/session-broker/internal/sse"
)

// EventPublisher receives every session transition for live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

type CoordinatorConfig struct {
	UserTurnCredits     int64
	AgentCreditsPerUnit int64
	IdleTimeout         time.Duration
	RequestTimeout      time.Duration
	InboxSize           int

	// InstanceID names this process as the owner of the sessions it opens.
	// LeaseTTL is how long ownership holds without a renewal.
	InstanceID string
	LeaseTTL   time.Duration
}

type ConnectResult struct {
	SessionID           string             `json:"sessionID"`
	TransportCredential *issuer.Credential `json:"transportCredential"`
	Session             model.Session      `json:"session"`
}

type TurnResult struct {
	Session model.Session `json:"session"`
	Reply   *agent.Reply  `json:"reply,omitempty"`
}

// SessionCoordinator runs the turn-taking state machine. Each live session is
// owned by one actor goroutine; every transition for that session, including
// idle expiry, goes through the actor's inbox. Across instances, the session
// row records which coordinator owns it and until when.
type SessionCoordinator struct {
	sessionRepo repository.SessionRepository
	ledger      *LedgerService
	issuer      issuer.TokenIssuer
	responder   agent.Responder
	events      EventPublisher
	metrics     metrics.Recorder
	cfg         CoordinatorConfig
	nowFunc     func() time.Time

	mu     sync.Mutex
	actors map[string]*sessionActor
	closed bool
}

func NewSessionCoordinator(
	sessionRepo repository.SessionRepository,
	ledger *LedgerService,
	tokenIssuer issuer.TokenIssuer,
	responder agent.Responder,
	events EventPublisher,
	recorder metrics.Recorder,
	cfg CoordinatorConfig,
) *SessionCoordinator {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 90 * time.Second
	}
	return &SessionCoordinator{
		sessionRepo: sessionRepo,
		ledger:      ledger,
		issuer:      tokenIssuer,
		responder:   responder,
		events:      events,
		metrics:     recorder,
		cfg:         cfg,
		nowFunc:     time.Now,
		actors:      make(map[string]*sessionActor),
	}
}

// Connect opens a session for an account with a positive balance. The
// transport credential is issued before anything is persisted, so an issuer
// failure leaves no session record behind. The row is written connected and
// leased to this instance in one insert.
func (c *SessionCoordinator) Connect(ctx context.Context, accountID string) (*ConnectResult, error) {
	if accountID == "" {
		return nil, apperrors.MissingRequired("accountID")
	}
	if c.isClosed() {
		return nil, apperrors.UpstreamUnavailable("session coordinator", errShuttingDown)
	}

	account, err := c.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsDisabled() {
		return nil, apperrors.AccountDisabled()
	}
	if account.Balance <= 0 {
		return nil, apperrors.InsufficientCredit()
	}

	sessionID := uuid.New().String()
	cred, err := c.issuer.IssueTransportCredential(ctx, accountID, sessionID)
	if err != nil {
		log.Error().Err(err).Str("accountId", accountID).Msg("transport credential issue failed")
		return nil, apperrors.UpstreamUnavailable("token issuer", err)
	}

	now := c.nowFunc()
	session, err := c.sessionRepo.Create(ctx, model.CreateSessionParams{
		ID:             sessionID,
		AccountID:      accountID,
		StartedAt:      now,
		OwnerInstance:  c.cfg.InstanceID,
		LeaseExpiresAt: now.Add(c.cfg.LeaseTTL),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	actor := newSessionActor(c, *session)
	actor.publish(ctx)
	if !c.register(actor) {
		return nil, apperrors.UpstreamUnavailable("session coordinator", errShuttingDown)
	}
	go actor.run()

	c.metrics.RecordSessionStarted()

	log.Info().
		Str("sessionId", sessionID).
		Str("accountId", accountID).
		Int64("balance", account.Balance).
		Msg("session connected")

	return &ConnectResult{
		SessionID:           sessionID,
		TransportCredential: cred,
		Session:             *session,
	}, nil
}

func (c *SessionCoordinator) StartTurn(ctx context.Context, sessionID string) (*model.Session, error) {
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdStartTurn})
	if err != nil {
		return nil, err
	}
	return &res.session, res.err
}

// EndTurn hands the floor to the agent and waits until the agent response
// begins (or the turn is cancelled or fails).
func (c *SessionCoordinator) EndTurn(ctx context.Context, sessionID, transcript string) (*TurnResult, error) {
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdEndTurn, transcript: transcript})
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return &TurnResult{Session: res.session, Reply: res.reply}, nil
}

// AgentProgress records how many units of the agent response the transport
// has delivered so far. Delivering every unit completes the turn.
func (c *SessionCoordinator) AgentProgress(ctx context.Context, sessionID string, delivered int64) (*model.Session, error) {
	if delivered < 0 {
		return nil, apperrors.InvalidInput("delivered", "must not be negative")
	}
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdProgress, delivered: delivered})
	if err != nil {
		return nil, err
	}
	return &res.session, res.err
}

func (c *SessionCoordinator) AgentComplete(ctx context.Context, sessionID string) (*model.Session, error) {
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdComplete})
	if err != nil {
		return nil, err
	}
	return &res.session, res.err
}

func (c *SessionCoordinator) Disconnect(ctx context.Context, sessionID string) (*model.Session, error) {
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdDisconnect})
	if err != nil {
		return nil, err
	}
	return &res.session, res.err
}

func (c *SessionCoordinator) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	res, err := c.dispatch(ctx, sessionID, command{kind: cmdSnapshot})
	if err != nil {
		return nil, err
	}
	return &res.session, res.err
}

// ExpireIdle asks every live session to end itself if it has been idle past
// the configured timeout. It returns how many sessions ended.
func (c *SessionCoordinator) ExpireIdle(ctx context.Context) int {
	expired := 0
	for _, a := range c.snapshotActors() {
		res, err := c.send(ctx, a, command{kind: cmdExpire})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", a.id).Msg("idle check failed")
			continue
		}
		if res.session.State == model.SessionStateEnded && res.err == nil && res.expired {
			expired++
		}
	}
	return expired
}

// Shutdown ends every live session with reason shutdown and refuses new ones.
func (c *SessionCoordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, a := range c.snapshotActors() {
		if _, err := c.send(ctx, a, command{kind: cmdShutdown}); err != nil {
			log.Warn().Err(err).Str("sessionId", a.id).Msg("session shutdown failed")
		}
	}
	log.Info().Msg("session coordinator stopped")
}

// RenewLeases extends the lease on every session this instance serves.
func (c *SessionCoordinator) RenewLeases(ctx context.Context) (int64, error) {
	actors := c.snapshotActors()
	ids := make([]string, 0, len(actors))
	for _, a := range actors {
		ids = append(ids, a.id)
	}
	return c.sessionRepo.RenewLeases(ctx, c.cfg.InstanceID, ids, c.nowFunc().Add(c.cfg.LeaseTTL))
}

func (c *SessionCoordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

func (c *SessionCoordinator) dispatch(ctx context.Context, sessionID string, cmd command) (commandResult, error) {
	c.mu.Lock()
	a := c.actors[sessionID]
	c.mu.Unlock()

	if a == nil {
		return c.offline(ctx, sessionID, cmd)
	}
	return c.send(ctx, a, cmd)
}

func (c *SessionCoordinator) send(ctx context.Context, a *sessionActor, cmd command) (commandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	cmd.reply = make(chan commandResult, 1)

	select {
	case a.inbox <- cmd:
	case <-a.done:
		return terminalResult(a.final, cmd.kind), nil
	case <-ctx.Done():
		return commandResult{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Session did not respond", ctx.Err())
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-a.done:
		select {
		case res := <-cmd.reply:
			return res, nil
		default:
			return terminalResult(a.final, cmd.kind), nil
		}
	case <-ctx.Done():
		return commandResult{}, apperrors.Wrap(apperrors.ErrCodeInternal, "Session did not respond", ctx.Err())
	}
}

// offline answers requests for sessions without a live actor here. Reads
// return the stored row untouched. A session still leased by another instance
// is refused. One whose lease lapsed was orphaned by an instance that went
// away, and is closed out under a condition on that lapse.
func (c *SessionCoordinator) offline(ctx context.Context, sessionID string, cmd command) (commandResult, error) {
	session, err := c.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return commandResult{}, apperrors.Database(err)
	}
	if session == nil {
		return commandResult{}, apperrors.NotFound("Session")
	}
	if session.State.IsTerminal() || cmd.kind == cmdSnapshot {
		return terminalResult(*session, cmd.kind), nil
	}
	now := c.nowFunc()
	if session.LeaseLive(now) {
		return commandResult{}, apperrors.SessionElsewhere()
	}

	reason := model.EndReasonShutdown
	if cmd.kind == cmdDisconnect {
		reason = model.EndReasonDisconnected
	}
	ended, err := c.sessionRepo.EndIfLeaseExpired(ctx, sessionID, reason, now)
	if err != nil {
		return commandResult{}, apperrors.Database(err)
	}
	if ended == nil {
		// Renewed or closed since the read.
		current, err := c.sessionRepo.FindByID(ctx, sessionID)
		if err != nil {
			return commandResult{}, apperrors.Database(err)
		}
		if current == nil || !current.State.IsTerminal() {
			return commandResult{}, apperrors.SessionElsewhere()
		}
		return terminalResult(*current, cmd.kind), nil
	}
	c.metrics.RecordSessionEnded(string(reason))

	log.Warn().
		Str("sessionId", sessionID).
		Str("owner", session.OwnerInstance).
		Str("reason", string(reason)).
		Msg("orphaned session closed")

	return terminalResult(*ended, cmd.kind), nil
}

func terminalResult(session model.Session, kind commandKind) commandResult {
	switch kind {
	case cmdSnapshot, cmdDisconnect, cmdExpire, cmdShutdown:
		return commandResult{session: session}
	default:
		return commandResult{session: session, err: apperrors.InvalidTransition(string(session.State), kind.String())}
	}
}

func (c *SessionCoordinator) register(a *sessionActor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.actors[a.id] = a
	c.metrics.SetActiveSessions(len(c.actors))
	return true
}

func (c *SessionCoordinator) release(a *sessionActor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actors[a.id] == a {
		delete(c.actors, a.id)
	}
	c.metrics.SetActiveSessions(len(c.actors))
}

func (c *SessionCoordinator) snapshotActors() []*sessionActor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sessionActor, 0, len(c.actors))
	for _, a := range c.actors {
		out = append(out, a)
	}
	return out
}

func (c *SessionCoordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *SessionCoordinator) updateParams(s *model.Session) model.UpdateSessionParams {
	return model.UpdateSessionParams{
		ID:             s.ID,
		OwnerInstance:  c.cfg.InstanceID,
		State:          s.State,
		TurnOwner:      s.TurnOwner,
		TurnSequence:   s.TurnSequence,
		EndReason:      s.EndReason,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
		LeaseExpiresAt: c.nowFunc().Add(c.cfg.LeaseTTL),
	}
}
