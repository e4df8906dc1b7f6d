package domain

import (
	"time"
)

// TurnStatus is the execution status of one agent turn.
type TurnStatus string

const (
	TurnRunning             TurnStatus = "running"
	TurnSuspendedOnApproval TurnStatus = "suspended_on_approval"
	TurnCompleted           TurnStatus = "completed"
	TurnFailed              TurnStatus = "failed"
)

// IsActive returns true while the turn still owns the session.
func (s TurnStatus) IsActive() bool {
	return s == TurnRunning || s == TurnSuspendedOnApproval
}

// Turn is one step of agent reasoning within a session.
type Turn struct {
	ID        string     `json:"turn_id"`
	SessionID string     `json:"session_id"`
	Status    TurnStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Session is one conversational thread bound to one client.
type Session struct {
	ID              string    `json:"session_id"`
	Turns           []Turn    `json:"turns"`
	ActiveProposals []string  `json:"active_proposals"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}
