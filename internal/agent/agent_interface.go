package agent

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/orchestrator"
)

// Backend produces a turn's output. Tool calls go through the ToolCaller,
// which blocks until the orchestrator has a final outcome for blocking
// tools. Implementations must stop when ctx is canceled.
type Backend interface {
	Stream(ctx context.Context, in TurnInput, tools ToolCaller) iter.Seq2[Fragment, error]
}

// ToolCaller is the backend's only path to tool execution.
type ToolCaller interface {
	// Call proposes a tool invocation. Non-blocking tools may come back
	// with StatusPending.
	Call(ctx context.Context, call ToolCall) (orchestrator.Outcome, error)
	// Await waits for a pending proposal to resolve.
	Await(ctx context.Context, proposalID string) (orchestrator.Outcome, error)
}

// TurnDriver is the slice of the orchestrator the agent service needs.
type TurnDriver interface {
	BeginTurn(ctx context.Context, sessionID string) (domain.Turn, error)
	EndTurn(turnID string, cause error) (domain.Turn, error)
	Emit(sessionID string, kind events.Kind, payload any)
	Propose(ctx context.Context, turnID, toolName string, args json.RawMessage) (orchestrator.Outcome, error)
	Await(ctx context.Context, proposalID string) (orchestrator.Outcome, error)
}

// Ensure the orchestrator satisfies TurnDriver.
var _ TurnDriver = (*orchestrator.Orchestrator)(nil)
