// Package policy maps tool names to their approval requirement.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Requirement states whether a tool needs human sign-off.
type Requirement string

const (
	Always      Requirement = "always"
	Never       Requirement = "never"
	Conditional Requirement = "conditional"
)

// ParseRequirement normalizes a requirement string from configuration.
func ParseRequirement(s string) (Requirement, error) {
	switch Requirement(strings.ToLower(strings.TrimSpace(s))) {
	case Always:
		return Always, nil
	case Never:
		return Never, nil
	case Conditional:
		return Conditional, nil
	default:
		return "", fmt.Errorf("unknown requirement %q", s)
	}
}

// Entry is the policy for one tool.
type Entry struct {
	ToolName    string
	Requirement Requirement
	// Blocking suspends the owning turn while approval is pending.
	Blocking bool
	// Condition is a CEL expression over args, tool and history; when it
	// evaluates true a conditional tool is auto-approved.
	Condition string
	// CoveredBy names a tool whose completed approval in the same session
	// auto-approves this one (an approved plan covers its steps).
	CoveredBy string
	// Summary is a human-readable description used in approval requests.
	Summary string

	program *condition
}

// Registry is the static tool policy table. It is immutable once built.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry validates entries and compiles their conditions.
func NewRegistry(entries []Entry) (*Registry, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}

	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := strings.TrimSpace(e.ToolName)
		if name == "" {
			return nil, fmt.Errorf("policy entry with empty tool name")
		}
		if _, dup := r.entries[name]; dup {
			return nil, fmt.Errorf("duplicate policy entry for %q", name)
		}
		if _, err := ParseRequirement(string(e.Requirement)); err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		e.ToolName = name
		if e.Condition != "" {
			if e.Requirement != Conditional {
				return nil, fmt.Errorf("tool %q: condition set on %s requirement", name, e.Requirement)
			}
			prg, err := env.compile(e.Condition)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", name, err)
			}
			e.program = prg
		}
		r.entries[name] = e
	}
	return r, nil
}

// RequirementFor returns the entry for a tool. Unknown tools require
// blocking human approval.
func (r *Registry) RequirementFor(toolName string) Entry {
	if r != nil {
		if e, ok := r.entries[toolName]; ok {
			return e
		}
	}
	return Entry{
		ToolName:    toolName,
		Requirement: Always,
		Blocking:    true,
	}
}

// Known reports whether the tool has an explicit entry.
func (r *Registry) Known(toolName string) bool {
	if r == nil {
		return false
	}
	_, ok := r.entries[toolName]
	return ok
}

// Entries returns all entries sorted by tool name.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// EvalCondition evaluates the entry's CEL condition. Entries without a
// condition report false.
func (e Entry) EvalCondition(vars map[string]any) (bool, error) {
	if e.program == nil {
		return false, nil
	}
	return e.program.eval(vars)
}

// Defaults is the built-in policy for the bundled tools.
func Defaults() []Entry {
	return []Entry{
		{ToolName: "get_weather", Requirement: Never, Summary: "Look up current weather"},
		{ToolName: "change_background", Requirement: Never, Summary: "Change the page background"},
		{ToolName: "generate_task_plan", Requirement: Always, Blocking: true, Summary: "Review the proposed task plan"},
		{ToolName: "execute_task_steps", Requirement: Conditional, Blocking: true, CoveredBy: "generate_task_plan", Summary: "Execute the approved task steps"},
		{ToolName: "send_email", Requirement: Always, Blocking: true, Summary: "Send an email on your behalf"},
	}
}
