// Package store provides the proposal store: the single owner of every
// tool-call proposal record and the only place proposal state is written.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

var (
	// ErrConflict means the proposal was not in the expected state, or the
	// expected state is terminal. Callers treat it as "already handled".
	ErrConflict = errors.New("proposal state conflict")
	// ErrNotFound means no proposal exists with the given id.
	ErrNotFound = errors.New("proposal not found")
	// ErrIllegalTransition means the requested edge is not part of the state
	// machine. It indicates a programming error in the caller.
	ErrIllegalTransition = errors.New("illegal proposal transition")
)

// NewProposal is the input to Create.
type NewProposal struct {
	SessionID string
	TurnID    string
	ToolName  string
	Arguments json.RawMessage
	Blocking  bool
}

// Payload carries the data written alongside a transition.
type Payload struct {
	Result   json.RawMessage
	Failure  *domain.FailureReason
	Deadline *time.Time
}

// ProposalStore persists proposals. All methods are atomic with respect to a
// given proposal id.
type ProposalStore interface {
	// Create inserts a new proposal in state proposed and returns its id.
	Create(ctx context.Context, p NewProposal) (string, error)

	// Transition moves a proposal from -> to if and only if its current state
	// equals from. It returns the updated proposal.
	Transition(ctx context.Context, id string, from, to domain.ProposalState, payload Payload) (*domain.Proposal, error)

	// Get returns a copy of a proposal.
	Get(ctx context.Context, id string) (*domain.Proposal, error)

	// ListPending returns the session's pending_human proposals ordered by creation.
	ListPending(ctx context.Context, sessionID string) ([]*domain.Proposal, error)

	// ListSession returns every proposal of a session ordered by creation.
	ListSession(ctx context.Context, sessionID string) ([]*domain.Proposal, error)

	// Close releases resources.
	Close() error
}

// checkEdge validates a requested transition before the current state is
// consulted. Transitions out of a terminal state are conflicts, not
// programming errors: a late duplicate must be indistinguishable from any
// other lost race.
func checkEdge(from, to domain.ProposalState) error {
	if from.IsTerminal() {
		return ErrConflict
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// validatePayload enforces that result and failure are written only on the
// states that own them.
func validatePayload(to domain.ProposalState, payload Payload) error {
	if payload.Result != nil && to != domain.StateCompleted {
		return fmt.Errorf("%w: result on %s", ErrIllegalTransition, to)
	}
	if payload.Failure != nil {
		switch to {
		case domain.StateFailed, domain.StateRejected, domain.StateCanceled:
		default:
			return fmt.Errorf("%w: failure reason on %s", ErrIllegalTransition, to)
		}
	}
	if payload.Deadline != nil && to != domain.StatePendingHuman {
		return fmt.Errorf("%w: deadline on %s", ErrIllegalTransition, to)
	}
	return nil
}

// apply writes a validated transition onto a proposal record.
func apply(p *domain.Proposal, to domain.ProposalState, payload Payload, now time.Time) {
	p.State = to
	if to.IsDecision() && p.ResolvedAt == nil {
		t := now
		p.ResolvedAt = &t
	}
	if payload.Deadline != nil {
		t := *payload.Deadline
		p.Deadline = &t
	}
	if to == domain.StateCompleted {
		p.Result = payload.Result
		if p.Result == nil {
			p.Result = json.RawMessage("null")
		}
	}
	if payload.Failure != nil {
		f := *payload.Failure
		p.Failure = &f
	}
}
