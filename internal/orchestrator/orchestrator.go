// Package orchestrator gates agent tool calls behind the confirmation
// strategy, suspends turns on human approval and resumes them once a
// decision, timeout or teardown resolves the proposal.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/gateway"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/policy"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/ashureev/agentgate/internal/strategy"
)

// DefaultApprovalTimeout applies when Config.ApprovalTimeout is unset.
const DefaultApprovalTimeout = 5 * time.Minute

var (
	// ErrTurnInProgress means the session already has a running turn.
	ErrTurnInProgress = session.ErrTurnInProgress
	// ErrUnknownTurn means the turn id is not, or no longer, registered.
	ErrUnknownTurn = session.ErrUnknownTurn
	// ErrUnknownSession means the session is not live.
	ErrUnknownSession = session.ErrUnknownSession
	// ErrNotAwaitable means the proposal is unresolved but nothing in this
	// process will resolve it.
	ErrNotAwaitable = errors.New("proposal has no waiter in this process")
)

// Config holds orchestrator timing.
type Config struct {
	ApprovalTimeout time.Duration
	// SessionIdleTimeout tears sessions down after inactivity. Zero disables.
	SessionIdleTimeout time.Duration
}

// Deps are the collaborators an orchestrator is built from.
type Deps struct {
	Store    store.ProposalStore
	Policy   *policy.Registry
	Strategy strategy.Strategy
	Gateway  *gateway.Gateway
	Hub      *events.Hub
	Sessions *session.Manager
	Metrics  *metrics.Metrics
}

// waiter is closed exactly once, when its proposal reaches a terminal state.
type waiter struct {
	done    chan struct{}
	outcome Outcome
}

// Orchestrator is the single coordinator for proposals. One instance serves
// every session of the process.
type Orchestrator struct {
	store    store.ProposalStore
	policy   *policy.Registry
	strategy strategy.Strategy
	gateway  *gateway.Gateway
	hub      *events.Hub
	sessions *session.Manager
	metrics  *metrics.Metrics
	cfg      Config
	clock    func() time.Time

	mu        sync.Mutex
	waiters   map[string]*waiter
	timers    map[string]*time.Timer
	deadlines map[string]time.Time
}

// New builds an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Hub == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: store, gateway, hub and sessions are required")
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.NewDefault(deps.Policy)
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Orchestrator{
		store:     deps.Store,
		policy:    deps.Policy,
		strategy:  deps.Strategy,
		gateway:   deps.Gateway,
		hub:       deps.Hub,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		cfg:       cfg,
		clock:     time.Now,
		waiters:   make(map[string]*waiter),
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]time.Time),
	}, nil
}

// WithClock overrides the clock used for deadlines and idle checks.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// transition applies a CAS and panics on undefined edges, which can only
// come from a bug in this package.
func (o *Orchestrator) transition(ctx context.Context, id string, from, to domain.ProposalState, payload store.Payload) (*domain.Proposal, error) {
	p, err := o.store.Transition(ctx, id, from, to, payload)
	if errors.Is(err, store.ErrIllegalTransition) {
		panic(err)
	}
	return p, err
}

// BeginTurn starts a turn, creating the session on first use.
func (o *Orchestrator) BeginTurn(_ context.Context, sessionID string) (domain.Turn, error) {
	if _, err := o.sessions.Touch(sessionID, ""); err != nil {
		return domain.Turn{}, err
	}
	turn, err := o.sessions.BeginTurn(sessionID)
	if err != nil {
		return domain.Turn{}, err
	}
	o.metrics.SetActiveSessions(o.sessions.Count())
	o.emit(sessionID, events.KindTurnStatus, events.TurnStatus{TurnID: turn.ID, Status: turn.Status})
	slog.Info("Turn started", "session_id", sessionID, "turn_id", turn.ID)
	return turn, nil
}

// EndTurn finishes a turn. A non-nil cause marks it failed.
func (o *Orchestrator) EndTurn(turnID string, cause error) (domain.Turn, error) {
	sessionID, err := o.sessions.SessionOf(turnID)
	if err != nil {
		return domain.Turn{}, err
	}
	status := domain.TurnCompleted
	msg := ""
	if cause != nil {
		status = domain.TurnFailed
		msg = cause.Error()
	}
	turn, err := o.sessions.EndTurn(turnID, status)
	if err != nil {
		return domain.Turn{}, err
	}
	o.emit(sessionID, events.KindTurnStatus, events.TurnStatus{TurnID: turnID, Status: status, Error: msg})
	slog.Info("Turn ended", "session_id", sessionID, "turn_id", turnID, "status", status)
	return turn, nil
}

// Emit publishes a pass-through event, such as a token, for a live session.
func (o *Orchestrator) Emit(sessionID string, kind events.Kind, payload any) {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return
	}
	o.emit(sessionID, kind, payload)
}

func (o *Orchestrator) emit(sessionID string, kind events.Kind, payload any) {
	if _, err := o.hub.Publish(sessionID, kind, payload); err != nil {
		slog.Error("Failed to publish event", "session_id", sessionID, "kind", kind, "error", err)
	}
}

// Propose creates a proposal for a tool call and drives it as far as it can
// go without a human. Blocking human-gated tools suspend the caller until
// the proposal is resolved. Non-blocking ones return StatusPending; use
// Await for their final outcome.
func (o *Orchestrator) Propose(ctx context.Context, turnID, toolName string, args json.RawMessage) (Outcome, error) {
	sessionID, err := o.sessions.SessionOf(turnID)
	if err != nil {
		return Outcome{}, err
	}
	entry := o.policy.RequirementFor(toolName)

	id, err := o.store.Create(ctx, store.NewProposal{
		SessionID: sessionID,
		TurnID:    turnID,
		ToolName:  toolName,
		Arguments: args,
		Blocking:  entry.Blocking,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create proposal: %w", err)
	}
	w := o.addWaiter(id)
	o.sessions.AddProposal(sessionID, id)

	p, err := o.store.Get(ctx, id)
	if err != nil {
		o.abandon(ctx, id, sessionID)
		return Outcome{}, fmt.Errorf("load proposal: %w", err)
	}
	history, err := o.store.ListSession(ctx, sessionID)
	if err != nil {
		o.abandon(ctx, id, sessionID)
		return Outcome{}, fmt.Errorf("load session history: %w", err)
	}
	verdict := o.strategy.Evaluate(*p, strategy.NewSessionContext(sessionID, history, id))
	o.metrics.ObserveProposal(toolName, string(verdict.Decision))

	slog.Info("Proposal evaluated",
		"session_id", sessionID,
		"turn_id", turnID,
		"proposal_id", id,
		"tool", toolName,
		"decision", verdict.Decision,
	)

	switch verdict.Decision {
	case strategy.AutoApprove:
		if _, err := o.transition(ctx, id, domain.StateProposed, domain.StateAutoApproved, store.Payload{}); err != nil {
			return Outcome{}, err
		}
		return o.execute(ctx, id)

	case strategy.AutoReject:
		reason := verdict.Reason
		if reason == "" {
			reason = domain.ReasonPolicyRejected
		}
		p, err := o.transition(ctx, id, domain.StateProposed, domain.StateRejected, store.Payload{
			Failure: &domain.FailureReason{Reason: reason, Message: verdict.Message},
		})
		if err != nil {
			return Outcome{}, err
		}
		return o.finalize(p, false), nil

	default:
		return o.awaitHuman(ctx, p, entry, w)
	}
}

func (o *Orchestrator) awaitHuman(ctx context.Context, p *domain.Proposal, entry policy.Entry, w *waiter) (Outcome, error) {
	deadline := o.clock().Add(o.cfg.ApprovalTimeout)
	pending, err := o.transition(ctx, p.ID, domain.StateProposed, domain.StatePendingHuman, store.Payload{Deadline: &deadline})
	if err != nil {
		return Outcome{}, err
	}
	o.metrics.PendingInc()
	o.armTimer(p.ID, deadline)

	summary := entry.Summary
	if summary == "" {
		summary = "Approve call to " + p.ToolName
	}
	if _, ok := o.sessions.Get(p.SessionID); ok {
		o.emit(p.SessionID, events.KindApprovalRequest, events.ApprovalRequest{
			ProposalID: p.ID,
			TurnID:     p.TurnID,
			ToolName:   p.ToolName,
			Arguments:  pending.Arguments,
			Summary:    summary,
			Blocking:   pending.Blocking,
			Deadline:   pending.Deadline,
		})
	}

	// A teardown that listed pending proposals before this one reached
	// pending_human would have missed it. The stream a racing emit may have
	// reopened is closed again.
	if _, ok := o.sessions.Get(p.SessionID); !ok {
		o.cancelPending(context.WithoutCancel(ctx), p.ID, "session closed", false)
		o.hub.CloseSession(p.SessionID)
	}

	if !pending.Blocking {
		return Outcome{ProposalID: p.ID, ToolName: p.ToolName, Status: StatusPending}, nil
	}

	if err := o.sessions.Suspend(p.TurnID); err == nil {
		defer func() { _ = o.sessions.Resume(p.TurnID) }()
	}
	slog.Info("Turn suspended on approval", "session_id", p.SessionID, "turn_id", p.TurnID, "proposal_id", p.ID)

	select {
	case <-w.done:
		return w.outcome, nil
	case <-ctx.Done():
		// Nobody is left to consume the result.
		if o.cancelPending(context.WithoutCancel(ctx), p.ID, "turn abandoned", false) {
			return w.outcome, nil
		}
		return Outcome{}, ctx.Err()
	}
}

// Await blocks until a proposal is terminal and returns its outcome.
func (o *Orchestrator) Await(ctx context.Context, proposalID string) (Outcome, error) {
	o.mu.Lock()
	w := o.waiters[proposalID]
	o.mu.Unlock()

	if w == nil {
		p, err := o.store.Get(ctx, proposalID)
		if err != nil {
			return Outcome{}, err
		}
		if !p.State.IsTerminal() {
			return Outcome{}, ErrNotAwaitable
		}
		return outcomeFrom(p), nil
	}

	select {
	case <-w.done:
		return w.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Resolve applies a human decision. Approved proposals execute before
// Resolve returns. A proposal that is no longer pending yields
// store.ErrConflict; an unknown one store.ErrNotFound.
func (o *Orchestrator) Resolve(ctx context.Context, proposalID string, decision domain.Decision) (Outcome, error) {
	switch decision {
	case domain.DecisionApprove:
		p, err := o.transition(ctx, proposalID, domain.StatePendingHuman, domain.StateApproved, store.Payload{})
		if err != nil {
			return Outcome{}, err
		}
		o.leftPending(p, "approved")
		slog.Info("Proposal approved", "session_id", p.SessionID, "proposal_id", p.ID, "tool", p.ToolName)
		return o.execute(ctx, proposalID)

	case domain.DecisionReject:
		p, err := o.transition(ctx, proposalID, domain.StatePendingHuman, domain.StateRejected, store.Payload{
			Failure: &domain.FailureReason{Reason: domain.ReasonHumanRejected, Message: "rejected by user"},
		})
		if err != nil {
			return Outcome{}, err
		}
		o.leftPending(p, "rejected")
		slog.Info("Proposal rejected", "session_id", p.SessionID, "proposal_id", p.ID, "tool", p.ToolName)
		return o.finalize(p, false), nil

	default:
		return Outcome{}, fmt.Errorf("unknown decision %q", decision)
	}
}

// CancelSession tears a session down: every pending proposal is canceled,
// suspended turns resume with a canceled outcome and the event stream is
// closed. Other sessions are untouched.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) (int, error) {
	_, live := o.sessions.Remove(sessionID)
	o.metrics.SetActiveSessions(o.sessions.Count())

	pending, err := o.store.ListPending(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list pending proposals: %w", err)
	}

	canceled := 0
	for _, p := range pending {
		if o.cancelPending(ctx, p.ID, "session closed", true) {
			canceled++
		}
	}
	o.hub.CloseSession(sessionID)

	if !live && len(pending) == 0 {
		return 0, ErrUnknownSession
	}
	slog.Info("Session canceled", "session_id", sessionID, "canceled_proposals", canceled)
	return canceled, nil
}

// cancelPending moves a pending proposal to canceled. It reports whether
// this call won the CAS.
func (o *Orchestrator) cancelPending(ctx context.Context, id, message string, teardown bool) bool {
	p, err := o.transition(ctx, id, domain.StatePendingHuman, domain.StateCanceled, store.Payload{
		Failure: &domain.FailureReason{Reason: domain.ReasonSessionCanceled, Message: message},
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Failed to cancel proposal", "proposal_id", id, "error", err)
		}
		return false
	}
	o.leftPending(p, "canceled")
	o.finalize(p, teardown)
	return true
}

// expire rejects a pending proposal whose deadline passed. It races human
// decisions through the same CAS.
func (o *Orchestrator) expire(id string) {
	ctx := context.Background()
	p, err := o.transition(ctx, id, domain.StatePendingHuman, domain.StateRejected, store.Payload{
		Failure: &domain.FailureReason{Reason: domain.ReasonTimeout, Message: "no decision before deadline"},
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to expire proposal", "proposal_id", id, "error", err)
		}
		return
	}
	o.leftPending(p, "timeout")
	slog.Info("Proposal timed out", "session_id", p.SessionID, "proposal_id", id, "tool", p.ToolName)
	o.finalize(p, false)
}

// Sweep expires overdue proposals whose timers were lost and tears down
// idle sessions.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.clock()

	o.mu.Lock()
	var overdue []string
	for id, d := range o.deadlines {
		if !now.Before(d) {
			overdue = append(overdue, id)
		}
	}
	o.mu.Unlock()

	for _, id := range overdue {
		o.expire(id)
	}

	if o.cfg.SessionIdleTimeout <= 0 {
		return
	}
	idle := o.sessions.IdleSince(now.Add(-o.cfg.SessionIdleTimeout))
	for _, sid := range idle {
		if _, err := o.CancelSession(ctx, sid); err != nil && !errors.Is(err, ErrUnknownSession) {
			slog.Error("[SWEEP] Failed to tear down idle session", "session_id", sid, "error", err)
		}
	}
	if len(overdue) > 0 || len(idle) > 0 {
		slog.Info("[SWEEP] Sweep completed", "expired_proposals", len(overdue), "idle_sessions", len(idle))
	}
}

// Get returns a proposal snapshot.
func (o *Orchestrator) Get(ctx context.Context, proposalID string) (*domain.Proposal, error) {
	return o.store.Get(ctx, proposalID)
}

// Pending lists a session's proposals awaiting a human.
func (o *Orchestrator) Pending(ctx context.Context, sessionID string) ([]*domain.Proposal, error) {
	return o.store.ListPending(ctx, sessionID)
}

// execute runs an approved proposal through the gateway and finalizes it.
func (o *Orchestrator) execute(ctx context.Context, id string) (Outcome, error) {
	start := o.clock()
	p, err := o.gateway.Execute(context.WithoutCancel(ctx), id)
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			panic(err)
		}
		return Outcome{}, fmt.Errorf("execute proposal %s: %w", id, err)
	}
	o.metrics.ObserveToolDuration(p.ToolName, string(p.State), o.clock().Sub(start))
	return o.finalize(p, false), nil
}

// abandon settles a proposal that could not be evaluated. It is rejected
// when the store allows; otherwise its in-process bookkeeping is dropped.
func (o *Orchestrator) abandon(ctx context.Context, id, sessionID string) {
	p, err := o.transition(context.WithoutCancel(ctx), id, domain.StateProposed, domain.StateRejected, store.Payload{
		Failure: &domain.FailureReason{Reason: domain.ReasonPolicyRejected, Message: "proposal could not be evaluated"},
	})
	if err == nil {
		o.finalize(p, false)
		return
	}
	slog.Error("Failed to settle unevaluated proposal", "session_id", sessionID, "proposal_id", id, "error", err)
	o.mu.Lock()
	delete(o.waiters, id)
	o.mu.Unlock()
	o.sessions.RemoveProposal(sessionID, id)
}

func (o *Orchestrator) addWaiter(id string) *waiter {
	w := &waiter{done: make(chan struct{})}
	o.mu.Lock()
	o.waiters[id] = w
	o.mu.Unlock()
	return w
}

func (o *Orchestrator) armTimer(id string, deadline time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.waiters[id]; !ok {
		return
	}
	o.deadlines[id] = deadline
	o.timers[id] = time.AfterFunc(deadline.Sub(o.clock()), func() { o.expire(id) })
}

func (o *Orchestrator) leftPending(p *domain.Proposal, outcome string) {
	o.metrics.PendingDec()
	if p.ResolvedAt != nil {
		o.metrics.ObserveApprovalWait(outcome, p.ResolvedAt.Sub(p.CreatedAt))
	}
}

// finalize runs once per proposal, by whichever caller applied its terminal
// transition. The tool-result event is published after the store change.
func (o *Orchestrator) finalize(p *domain.Proposal, teardown bool) Outcome {
	out := outcomeFrom(p)

	o.mu.Lock()
	w := o.waiters[p.ID]
	delete(o.waiters, p.ID)
	if t, ok := o.timers[p.ID]; ok {
		t.Stop()
		delete(o.timers, p.ID)
	}
	delete(o.deadlines, p.ID)
	o.mu.Unlock()

	o.sessions.RemoveProposal(p.SessionID, p.ID)

	reason := ""
	if p.Failure != nil {
		reason = p.Failure.Reason
	}
	o.metrics.ObserveFinalized(p.ToolName, string(p.State), reason)

	if _, live := o.sessions.Get(p.SessionID); live || teardown {
		o.emit(p.SessionID, events.KindToolResult, events.ToolResult{
			ProposalID:    p.ID,
			ToolName:      p.ToolName,
			Status:        string(out.Status),
			Payload:       p.Result,
			FailureReason: p.Failure,
		})
	}

	if w != nil {
		w.outcome = out
		close(w.done)
	}
	return out
}
