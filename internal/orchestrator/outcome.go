package orchestrator

import (
	"encoding/json"

	"github.com/ashureev/agentgate/internal/domain"
)

// Status is the agent-facing result of a proposal.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusCanceled  Status = "canceled"
	// StatusPending is returned for non-blocking proposals awaiting a human.
	StatusPending Status = "pending"
)

// Outcome is what the agent loop sees for a tool call. Failures, rejections
// and cancellations are outcomes, not errors.
type Outcome struct {
	ProposalID string                `json:"proposalId"`
	ToolName   string                `json:"toolName"`
	Status     Status                `json:"status"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Failure    *domain.FailureReason `json:"failureReason,omitempty"`
}

// Final reports whether the outcome is terminal.
func (o Outcome) Final() bool {
	return o.Status != StatusPending
}

func outcomeFrom(p *domain.Proposal) Outcome {
	out := Outcome{ProposalID: p.ID, ToolName: p.ToolName, Failure: p.Failure}
	switch p.State {
	case domain.StateCompleted:
		out.Status = StatusCompleted
		out.Result = p.Result
	case domain.StateFailed:
		out.Status = StatusFailed
	case domain.StateRejected:
		out.Status = StatusRejected
	case domain.StateCanceled:
		out.Status = StatusCanceled
	default:
		out.Status = StatusPending
	}
	return out
}
