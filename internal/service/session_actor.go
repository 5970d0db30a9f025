package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorly/session-broker/internal/agent"
	"github.com/tutorly/session-broker/internal/audit"
	apperrors "github.com/tutorly/session-broker/internal/errors"
	"github.com/tutorly/session-broker/internal/model"
	"github.com/tutorly/session-broker/internal/repository"
	"github.com/tutorly/session-broker/internal/sse"
)

// actorOpTimeout bounds each storage call the actor makes. Actor work is not
// tied to the requesting HTTP context so a dropped client cannot abort a
// transition halfway.
const actorOpTimeout = 10 * time.Second

var errShuttingDown = errors.New("shutting down")

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdStartTurn
	cmdEndTurn
	cmdProgress
	cmdComplete
	cmdDisconnect
	cmdExpire
	cmdShutdown
)

func (k commandKind) String() string {
	switch k {
	case cmdStartTurn:
		return "start a user turn"
	case cmdEndTurn:
		return "end the user turn"
	case cmdProgress:
		return "report agent progress"
	case cmdComplete:
		return "complete the agent turn"
	case cmdDisconnect:
		return "disconnect"
	case cmdExpire:
		return "expire"
	case cmdShutdown:
		return "shut down"
	default:
		return "read"
	}
}

type command struct {
	kind       commandKind
	transcript string
	delivered  int64
	reply      chan commandResult
}

type commandResult struct {
	session model.Session
	reply   *agent.Reply
	expired bool
	err     error
}

type generationResult struct {
	seq   int64
	reply *agent.Reply
	err   error
}

// agentTurn is the agent's hold on the floor, from the end of the user turn
// until the response is fully delivered or cancelled.
type agentTurn struct {
	seq        int64
	cancel     context.CancelFunc
	waiter     chan commandResult
	userCharge int64
	speaking   bool
	units      int64
	delivered  int64
}

type sessionActor struct {
	c       *SessionCoordinator
	id      string
	session model.Session
	turn    *agentTurn

	inbox   chan command
	results chan generationResult
	done    chan struct{}
	final   model.Session
}

func newSessionActor(c *SessionCoordinator, session model.Session) *sessionActor {
	return &sessionActor{
		c:       c,
		id:      session.ID,
		session: session,
		inbox:   make(chan command, c.cfg.InboxSize),
		results: make(chan generationResult, 1),
		done:    make(chan struct{}),
	}
}

func (a *sessionActor) run() {
	for !a.session.State.IsTerminal() {
		select {
		case cmd := <-a.inbox:
			a.handle(cmd)
		case res := <-a.results:
			a.handleGenerated(res)
		}
	}
	a.final = a.session
	close(a.done)
	a.c.release(a)
}

func (a *sessionActor) handle(cmd command) {
	ctx, cancel := context.WithTimeout(context.Background(), actorOpTimeout)
	defer cancel()

	switch cmd.kind {
	case cmdSnapshot:
		cmd.reply <- a.ok()
	case cmdStartTurn:
		cmd.reply <- a.startTurn(ctx)
	case cmdEndTurn:
		a.endTurn(ctx, cmd)
	case cmdProgress:
		cmd.reply <- a.progress(ctx, cmd.delivered)
	case cmdComplete:
		cmd.reply <- a.completeAgentTurn(ctx)
	case cmdDisconnect:
		a.end(ctx, model.EndReasonDisconnected)
		cmd.reply <- a.ok()
	case cmdExpire:
		res := a.ok()
		if a.c.cfg.IdleTimeout > 0 && a.c.nowFunc().Sub(a.session.LastActivityAt) >= a.c.cfg.IdleTimeout {
			a.end(ctx, model.EndReasonIdleTimeout)
			res = a.ok()
			res.expired = true
		}
		cmd.reply <- res
	case cmdShutdown:
		a.end(ctx, model.EndReasonShutdown)
		cmd.reply <- a.ok()
	}
}

// startTurn gives the floor to the user. If the agent holds it, this is an
// interruption: generation is cancelled and undelivered units are refunded.
func (a *sessionActor) startTurn(ctx context.Context) commandResult {
	s := &a.session
	interrupting := s.TurnOwner == model.TurnOwnerAgent
	idle := (s.State == model.SessionStateConnected || s.State == model.SessionStateListening) &&
		s.TurnOwner != model.TurnOwnerUser
	if !interrupting && !idle {
		return a.invalid(cmdStartTurn)
	}

	var cancelled *agentTurn
	if interrupting {
		cancelled = a.cancelAgentTurn(ctx)
		s.State = model.SessionStateListening
		s.TurnOwner = model.TurnOwnerNone
	}

	if a.suspendIfExhausted(ctx) {
		a.resolve(cancelled, a.ok())
		return a.fail(apperrors.InsufficientCredit())
	}

	s.TurnSequence++
	s.TurnOwner = model.TurnOwnerUser
	s.State = model.SessionStateListening
	committed := a.commit(ctx)
	a.resolve(cancelled, a.ok())
	if !committed {
		return a.invalid(cmdStartTurn)
	}

	if interrupting {
		log.Info().Str("sessionId", a.id).Int64("turn", s.TurnSequence).Msg("agent turn interrupted")
	}
	return a.ok()
}

// endTurn meters the user turn and starts agent generation. The caller's
// reply is held until the agent starts speaking.
func (a *sessionActor) endTurn(ctx context.Context, cmd command) {
	s := &a.session
	if s.TurnOwner != model.TurnOwnerUser {
		cmd.reply <- a.invalid(cmdEndTurn)
		return
	}

	if a.suspendIfExhausted(ctx) {
		cmd.reply <- a.fail(apperrors.InsufficientCredit())
		return
	}

	seq := s.TurnSequence
	charge := a.c.cfg.UserTurnCredits
	if charge > 0 {
		_, err := a.c.ledger.Consume(ctx, s.AccountID, charge, turnKey(a.id, seq, "user"))
		if err = apperrors.IgnoreDuplicate(err); err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeInsufficientCredit) {
				a.suspend(ctx)
			}
			cmd.reply <- a.fail(err)
			return
		}
	}

	genCtx, cancel := context.WithCancel(context.Background())
	a.turn = &agentTurn{seq: seq, cancel: cancel, waiter: cmd.reply, userCharge: charge}
	s.State = model.SessionStateThinking
	s.TurnOwner = model.TurnOwnerAgent
	if !a.commit(ctx) {
		return
	}
	go a.generate(genCtx, seq, cmd.transcript)
}

func (a *sessionActor) generate(ctx context.Context, seq int64, transcript string) {
	reply, err := a.c.responder.Respond(ctx, agent.Request{
		SessionID:    a.id,
		TurnSequence: seq,
		Transcript:   transcript,
	})
	select {
	case a.results <- generationResult{seq: seq, reply: reply, err: err}:
	case <-a.done:
	}
}

func (a *sessionActor) handleGenerated(res generationResult) {
	t := a.turn
	if t == nil || t.seq != res.seq || t.speaking {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actorOpTimeout)
	defer cancel()
	s := &a.session

	if res.err != nil {
		a.turn = nil
		t.cancel()
		log.Warn().Err(res.err).Str("sessionId", a.id).Int64("turn", t.seq).Msg("agent generation failed")

		if t.userCharge > 0 {
			a.refund(ctx, t.userCharge, turnKey(a.id, t.seq, "user:refund"))
		}
		s.State = model.SessionStateListening
		s.TurnOwner = model.TurnOwnerNone
		a.commit(ctx)
		a.suspendIfExhausted(ctx)
		a.resolve(t, a.fail(apperrors.UpstreamUnavailable("completion", res.err)))
		return
	}

	units := res.reply.Units
	if cost := units * a.c.cfg.AgentCreditsPerUnit; cost > 0 {
		_, err := a.c.ledger.Consume(ctx, s.AccountID, cost, turnKey(a.id, t.seq, "agent"))
		if err = apperrors.IgnoreDuplicate(err); err != nil {
			a.turn = nil
			t.cancel()
			if apperrors.HasCode(err, apperrors.ErrCodeInsufficientCredit) {
				a.suspend(ctx)
			} else {
				s.State = model.SessionStateListening
				s.TurnOwner = model.TurnOwnerNone
				a.commit(ctx)
			}
			a.resolve(t, a.fail(err))
			return
		}
	}

	t.speaking = true
	t.units = units
	s.State = model.SessionStateSpeaking
	s.TurnOwner = model.TurnOwnerAgent
	if !a.commit(ctx) {
		return
	}
	a.publishReply(ctx, t.seq, res.reply)

	if units == 0 {
		a.finishAgentTurn(ctx)
	}
	result := a.ok()
	result.reply = res.reply
	a.resolve(t, result)
}

func (a *sessionActor) progress(ctx context.Context, delivered int64) commandResult {
	t := a.turn
	if t == nil || !t.speaking {
		return a.invalid(cmdProgress)
	}
	if delivered > t.units {
		delivered = t.units
	}
	if delivered > t.delivered {
		t.delivered = delivered
		a.session.LastActivityAt = a.c.nowFunc()
	}
	if t.delivered >= t.units {
		a.finishAgentTurn(ctx)
	}
	return a.ok()
}

func (a *sessionActor) completeAgentTurn(ctx context.Context) commandResult {
	t := a.turn
	if t == nil || !t.speaking {
		return a.invalid(cmdComplete)
	}
	t.delivered = t.units
	a.finishAgentTurn(ctx)
	return a.ok()
}

// finishAgentTurn returns the floor after a fully delivered response and
// applies the turn-boundary balance check.
func (a *sessionActor) finishAgentTurn(ctx context.Context) {
	if a.turn != nil {
		a.turn.cancel()
		a.turn = nil
	}
	a.session.State = model.SessionStateListening
	a.session.TurnOwner = model.TurnOwnerNone
	a.commit(ctx)
	a.suspendIfExhausted(ctx)
}

// cancelAgentTurn stops generation and refunds whatever the agent reserved
// but did not deliver. Callers set the next state.
func (a *sessionActor) cancelAgentTurn(ctx context.Context) *agentTurn {
	t := a.turn
	if t == nil {
		return nil
	}
	a.turn = nil
	t.cancel()

	if t.speaking {
		undelivered := (t.units - t.delivered) * a.c.cfg.AgentCreditsPerUnit
		if undelivered > 0 {
			a.refund(ctx, undelivered, turnKey(a.id, t.seq, "agent:refund"))
		}
	}
	return t
}

func (a *sessionActor) end(ctx context.Context, reason model.EndReason) {
	if a.session.State.IsTerminal() {
		return
	}
	cancelled := a.cancelAgentTurn(ctx)
	a.terminate(ctx, model.SessionStateEnded, reason)
	a.resolve(cancelled, a.ok())

	log.Info().Str("sessionId", a.id).Str("reason", string(reason)).Msg("session ended")
}

func (a *sessionActor) suspend(ctx context.Context) {
	if a.session.State.IsTerminal() {
		return
	}
	cancelled := a.cancelAgentTurn(ctx)
	a.terminate(ctx, model.SessionStateSuspended, model.EndReasonInsufficientCredit)
	a.resolve(cancelled, a.fail(apperrors.InsufficientCredit()))

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionSuspended,
		AccountID: a.session.AccountID,
		SessionID: a.id,
		Details:   map[string]interface{}{"turn": a.session.TurnSequence},
	})
}

// suspendIfExhausted is the turn-boundary check: a non-positive balance
// suspends the session. A failed balance read leaves the session as is.
func (a *sessionActor) suspendIfExhausted(ctx context.Context) bool {
	if a.session.State.IsTerminal() {
		return false
	}
	balance, err := a.c.ledger.Balance(ctx, a.session.AccountID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", a.id).Msg("balance check failed")
		return false
	}
	if balance > 0 {
		return false
	}
	a.suspend(ctx)
	return true
}

func (a *sessionActor) terminate(ctx context.Context, state model.SessionState, reason model.EndReason) {
	now := a.c.nowFunc()
	a.session.State = state
	a.session.TurnOwner = model.TurnOwnerNone
	a.session.EndReason = &reason
	a.session.EndedAt = &now
	if a.commit(ctx) {
		a.c.metrics.RecordSessionEnded(string(reason))
	}
}

func (a *sessionActor) refund(ctx context.Context, amount int64, key string) {
	_, err := a.c.ledger.Refund(ctx, a.session.AccountID, amount, key)
	if err = apperrors.IgnoreDuplicate(err); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", a.id).
			Str("accountId", a.session.AccountID).
			Int64("amount", amount).
			Str("idempotencyKey", key).
			Msg("refund failed, replay the key to settle")
	}
}

// commit stamps activity, persists the snapshot and publishes it. In-memory
// state stays authoritative if the write fails, unless the row is no longer
// ours: then the actor adopts the stored row and stops. It reports false in
// that case.
func (a *sessionActor) commit(ctx context.Context) bool {
	a.session.LastActivityAt = a.c.nowFunc()
	err := a.c.sessionRepo.Update(ctx, a.c.updateParams(&a.session))
	if errors.Is(err, repository.ErrSessionLost) {
		a.lose(ctx)
		return false
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", a.id).
			Str("state", string(a.session.State)).
			Msg("failed to persist session")
	}
	a.publish(ctx)
	return true
}

// lose handles a session closed elsewhere after this instance's lease
// lapsed. Charges for work that will never be delivered are refunded and
// any waiting caller is answered from the stored row.
func (a *sessionActor) lose(ctx context.Context) {
	t := a.cancelAgentTurn(ctx)
	if t != nil && !t.speaking && t.userCharge > 0 {
		a.refund(ctx, t.userCharge, turnKey(a.id, t.seq, "user:refund"))
	}

	stored, err := a.c.sessionRepo.FindByID(ctx, a.id)
	if err == nil && stored != nil && stored.State.IsTerminal() {
		a.session = *stored
	} else {
		now := a.c.nowFunc()
		reason := model.EndReasonShutdown
		a.session.State = model.SessionStateEnded
		a.session.TurnOwner = model.TurnOwnerNone
		a.session.EndReason = &reason
		a.session.EndedAt = &now
	}
	a.resolve(t, a.invalid(cmdEndTurn))
	a.publish(ctx)

	log.Warn().
		Str("sessionId", a.id).
		Str("state", string(a.session.State)).
		Msg("session closed by another instance, actor stopping")
}

func (a *sessionActor) publish(ctx context.Context) {
	if a.c.events == nil {
		return
	}
	event, err := sse.NewEvent(sse.EventTransition, a.session)
	if err != nil {
		return
	}
	if err := a.c.events.Publish(ctx, a.id, event); err != nil {
		log.Debug().Err(err).Str("sessionId", a.id).Msg("failed to publish session event")
	}
}

func (a *sessionActor) publishReply(ctx context.Context, seq int64, reply *agent.Reply) {
	if a.c.events == nil {
		return
	}
	event, err := sse.NewEvent(sse.EventAgentReply, map[string]any{
		"turnSequence": seq,
		"text":         reply.Text,
		"units":        reply.Units,
	})
	if err != nil {
		return
	}
	if err := a.c.events.Publish(ctx, a.id, event); err != nil {
		log.Debug().Err(err).Str("sessionId", a.id).Msg("failed to publish agent reply")
	}
}

// resolve answers a caller still waiting on the end of its user turn.
func (a *sessionActor) resolve(t *agentTurn, res commandResult) {
	if t == nil || t.waiter == nil {
		return
	}
	t.waiter <- res
	t.waiter = nil
}

func (a *sessionActor) ok() commandResult {
	return commandResult{session: a.session}
}

func (a *sessionActor) fail(err error) commandResult {
	return commandResult{session: a.session, err: err}
}

func (a *sessionActor) invalid(kind commandKind) commandResult {
	return a.fail(apperrors.InvalidTransition(string(a.session.State), kind.String()))
}

// turnKey derives the ledger idempotency key for one metered step of a turn.
// It always contains ':', which payment references may not.
func turnKey(sessionID string, seq int64, part string) string {
	return fmt.Sprintf("%s:%d:%s", sessionID, seq, part)
}
