// Package strategy decides whether a proposal may run, must be refused, or
// needs a human.
package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/policy"
)

// Decision is the outcome of evaluating a proposal.
type Decision string

const (
	AutoApprove  Decision = "auto_approve"
	AutoReject   Decision = "auto_reject"
	RequireHuman Decision = "require_human"
)

// Verdict is a decision plus the explanation recorded on rejections.
type Verdict struct {
	Decision Decision
	// Reason is one of the domain failure reasons when Decision is AutoReject.
	Reason  string
	Message string
}

// HistoryEntry is a snapshot of one earlier proposal in the session.
type HistoryEntry struct {
	ProposalID string
	TurnID     string
	ToolName   string
	ArgsKey    string
	State      domain.ProposalState
	Reason     string
}

// SessionContext is what a strategy may know about the session beyond the
// proposal itself.
type SessionContext struct {
	SessionID string
	History   []HistoryEntry
}

// NewSessionContext builds a context from the session's proposals, skipping
// the proposal under evaluation.
func NewSessionContext(sessionID string, proposals []*domain.Proposal, exclude string) SessionContext {
	sc := SessionContext{SessionID: sessionID}
	for _, p := range proposals {
		if p == nil || p.ID == exclude {
			continue
		}
		entry := HistoryEntry{
			ProposalID: p.ID,
			TurnID:     p.TurnID,
			ToolName:   p.ToolName,
			ArgsKey:    CanonicalArgs(p.Arguments),
			State:      p.State,
		}
		if p.Failure != nil {
			entry.Reason = p.Failure.Reason
		}
		sc.History = append(sc.History, entry)
	}
	return sc
}

// Strategy evaluates proposals. Implementations must be pure: the same
// proposal and context always produce the same verdict.
type Strategy interface {
	Evaluate(p domain.Proposal, sc SessionContext) Verdict
}

// Func adapts a function to Strategy.
type Func func(p domain.Proposal, sc SessionContext) Verdict

// Evaluate calls f.
func (f Func) Evaluate(p domain.Proposal, sc SessionContext) Verdict {
	return f(p, sc)
}

// CanonicalArgs returns a stable key for an argument payload. Object keys
// are sorted and whitespace removed, so equal payloads compare equal.
func CanonicalArgs(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Default delegates to the policy registry.
type Default struct {
	registry *policy.Registry
}

// NewDefault creates the registry-backed strategy.
func NewDefault(registry *policy.Registry) *Default {
	return &Default{registry: registry}
}

// Evaluate maps always to RequireHuman and never to AutoApprove. Conditional
// tools are checked in order: an earlier rejection of the same call, a
// covering tool completed in the same turn whose steps include every
// requested step, then the CEL condition.
func (d *Default) Evaluate(p domain.Proposal, sc SessionContext) Verdict {
	entry := d.registry.RequirementFor(p.ToolName)

	switch entry.Requirement {
	case policy.Never:
		return Verdict{Decision: AutoApprove}
	case policy.Conditional:
		return d.evaluateConditional(entry, p, sc)
	default:
		return Verdict{Decision: RequireHuman}
	}
}

func (d *Default) evaluateConditional(entry policy.Entry, p domain.Proposal, sc SessionContext) Verdict {
	key := CanonicalArgs(p.Arguments)
	for _, h := range sc.History {
		if h.ToolName == p.ToolName && h.ArgsKey == key && h.State == domain.StateRejected {
			return Verdict{
				Decision: AutoReject,
				Reason:   domain.ReasonRepeatedRejection,
				Message:  fmt.Sprintf("%s with these arguments was already rejected in this session", p.ToolName),
			}
		}
	}

	if entry.CoveredBy != "" && covered(entry.CoveredBy, p, key, sc) {
		return Verdict{Decision: AutoApprove, Message: "covered by approved " + entry.CoveredBy}
	}

	if entry.Condition != "" {
		ok, err := entry.EvalCondition(conditionVars(p, key, sc))
		if err != nil {
			return Verdict{Decision: RequireHuman, Message: "condition error: " + err.Error()}
		}
		if ok {
			return Verdict{Decision: AutoApprove, Message: "condition satisfied"}
		}
	}

	return Verdict{Decision: RequireHuman}
}

// covered reports whether a completed proposal of the covering tool, made in
// the same turn, lists every step the proposal asks for.
func covered(coveringTool string, p domain.Proposal, key string, sc SessionContext) bool {
	if p.TurnID == "" {
		return false
	}
	requested := stepsOf(key)
	if len(requested) == 0 {
		return false
	}
	for _, h := range sc.History {
		if h.ToolName != coveringTool || h.State != domain.StateCompleted || h.TurnID != p.TurnID {
			continue
		}
		approved := stepsOf(h.ArgsKey)
		if len(approved) == 0 {
			continue
		}
		all := true
		for step := range requested {
			if !approved[step] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// stepsOf reads the "steps" list of an argument payload. Steps are plain
// strings or objects with a description; disabled steps are left out.
func stepsOf(argsKey string) map[string]bool {
	var args struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal([]byte(argsKey), &args); err != nil {
		return nil
	}
	steps := make(map[string]bool, len(args.Steps))
	for _, raw := range args.Steps {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			steps[text] = true
			continue
		}
		var step struct {
			Description string `json:"description"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(raw, &step); err != nil || step.Description == "" || step.Status == "disabled" {
			continue
		}
		steps[step.Description] = true
	}
	return steps
}

func conditionVars(p domain.Proposal, key string, sc SessionContext) map[string]any {
	args := map[string]any{}
	var decoded any
	if err := json.Unmarshal([]byte(key), &decoded); err == nil {
		if m, ok := decoded.(map[string]any); ok {
			args = m
		}
	}

	history := make([]any, 0, len(sc.History))
	for _, h := range sc.History {
		history = append(history, map[string]any{
			"tool":   h.ToolName,
			"turn":   h.TurnID,
			"state":  string(h.State),
			"reason": h.Reason,
		})
	}

	return map[string]any{
		"args":    args,
		"tool":    p.ToolName,
		"history": history,
	}
}
