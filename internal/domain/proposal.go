// Package domain contains core domain types for the approval gateway.
package domain

import (
	"encoding/json"
	"time"
)

// ProposalState is the lifecycle state of a tool-call proposal.
type ProposalState string

const (
	StateProposed     ProposalState = "proposed"
	StateAutoApproved ProposalState = "auto_approved"
	StatePendingHuman ProposalState = "pending_human"
	StateApproved     ProposalState = "approved"
	StateRejected     ProposalState = "rejected"
	StateExecuting    ProposalState = "executing"
	StateCompleted    ProposalState = "completed"
	StateFailed       ProposalState = "failed"
	StateCanceled     ProposalState = "canceled"
)

// transitions lists every legal edge of the proposal state machine.
// Terminal states have no outgoing edges.
var transitions = map[ProposalState][]ProposalState{
	StateProposed:     {StateAutoApproved, StateRejected, StatePendingHuman},
	StateAutoApproved: {StateExecuting},
	StatePendingHuman: {StateApproved, StateRejected, StateCanceled},
	StateApproved:     {StateExecuting},
	StateExecuting:    {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ProposalState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions.
func (s ProposalState) IsTerminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsDecision returns true for states that record the approval decision.
// ResolvedAt is stamped when a proposal first enters one of them.
func (s ProposalState) IsDecision() bool {
	switch s {
	case StateAutoApproved, StateApproved, StateRejected, StateCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s ProposalState) Valid() bool {
	switch s {
	case StateProposed, StateAutoApproved, StatePendingHuman, StateApproved,
		StateRejected, StateExecuting, StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Failure reasons carried by rejected, failed and canceled proposals.
const (
	ReasonHumanRejected     = "HumanRejected"
	ReasonPolicyRejected    = "PolicyRejected"
	ReasonRepeatedRejection = "RepeatedRejection"
	ReasonTimeout           = "Timeout"
	ReasonSessionCanceled   = "SessionCanceled"
	ReasonToolError         = "ToolError"
	ReasonToolTimeout       = "ToolTimeout"
	ReasonMalformedOutput   = "MalformedOutput"
	ReasonUnknownTool       = "UnknownTool"
	ReasonToolPanic         = "ToolPanic"
)

// FailureReason is the structured explanation attached to a non-successful
// terminal proposal.
type FailureReason struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Proposal is a request to run one tool with one set of arguments.
// The proposal store is the sole owner of these records; everyone else
// holds copies or identifiers.
type Proposal struct {
	ID         string          `json:"proposal_id"`
	SessionID  string          `json:"session_id"`
	TurnID     string          `json:"turn_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	State      ProposalState   `json:"state"`
	Blocking   bool            `json:"blocking"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Failure    *FailureReason  `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned data.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Arguments = cloneRaw(p.Arguments)
	c.Result = cloneRaw(p.Result)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	if p.Deadline != nil {
		t := *p.Deadline
		c.Deadline = &t
	}
	if p.Failure != nil {
		f := *p.Failure
		c.Failure = &f
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// Decision is a human answer to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision normalizes an inbound decision string.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionApprove:
		return DecisionApprove, true
	case DecisionReject:
		return DecisionReject, true
	default:
		return "", false
	}
}
