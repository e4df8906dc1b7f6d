// Package agent runs conversational turns against a model backend and
// routes every tool call the backend makes through the orchestrator.
package agent

import (
	"encoding/json"
	"time"
)

// ChatRequest represents a chat request to an agent.
type ChatRequest struct {
	Message   string `json:"message"`
	Agent     string `json:"-"`
	UserID    string `json:"-"`
	SessionID string `json:"-"`
}

// TurnInput is what a backend sees for one turn.
type TurnInput struct {
	SessionID string
	TurnID    string
	Message   string
}

// FragmentType categorizes backend output.
type FragmentType string

const (
	// FragmentText is model text streamed to the client as token events.
	FragmentText FragmentType = "text"
	// FragmentDone marks the end of the model's answer.
	FragmentDone FragmentType = "done"
)

// Fragment is one piece of backend output.
type Fragment struct {
	Type FragmentType
	Text string
}

// ToolCall is a tool invocation made by a backend during a turn.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Persona describes one of the shipped agents.
type Persona struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tools       []string `json:"tools,omitempty"`
}

// Config holds scripted backend pacing.
type Config struct {
	// TokenDelay is slept between streamed words. Zero streams at once.
	TokenDelay time.Duration
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{TokenDelay: 0}
}
