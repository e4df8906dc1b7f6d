// Package session tracks live sessions, their turns and their unresolved
// proposals.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrTurnInProgress means the session already has a running or suspended turn.
	ErrTurnInProgress = errors.New("turn already in progress")
	// ErrUnknownTurn means no live turn has the given id.
	ErrUnknownTurn = errors.New("unknown turn")
	// ErrUnknownSession means no live session has the given id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrForbidden means the session belongs to another user.
	ErrForbidden = errors.New("session belongs to another user")
)

type entry struct {
	session    domain.Session
	owner      string
	active     map[string]struct{}
	activeTurn string
	suspended  map[string]int // turnID -> blocking waits
}

// Manager is the registry of live sessions. Sessions are created on first
// use and removed on teardown.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	turns    map[string]string // turnID -> sessionID
	clock    func() time.Time
	newID    func() string
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		turns:    make(map[string]string),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Touch returns the session, creating it for owner if it does not exist, and
// records activity. An empty owner matches any session.
func (m *Manager) Touch(sessionID, owner string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{
			session:   domain.Session{ID: sessionID, CreatedAt: now, LastActivity: now},
			owner:     owner,
			active:    make(map[string]struct{}),
			suspended: make(map[string]int),
		}
		m.sessions[sessionID] = e
		slog.Info("Session created", "session_id", sessionID, "user_id", owner)
		return snapshot(e), nil
	}
	if owner != "" && e.owner != "" && e.owner != owner {
		return domain.Session{}, ErrForbidden
	}
	e.session.LastActivity = now
	return snapshot(e), nil
}

// Refresh records activity on a live session. It reports false when the
// session does not exist.
func (m *Manager) Refresh(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if ok {
		e.session.LastActivity = m.clock()
	}
	return ok
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return snapshot(e), true
}

// Authorize checks that owner may act on the session.
func (m *Manager) Authorize(sessionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if owner != "" && e.owner != "" && e.owner != owner {
		return ErrForbidden
	}
	return nil
}

// BeginTurn appends a running turn. Turns within a session are sequential.
func (m *Manager) BeginTurn(sessionID string) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return domain.Turn{}, ErrUnknownSession
	}
	if e.activeTurn != "" {
		return domain.Turn{}, ErrTurnInProgress
	}

	now := m.clock()
	turn := domain.Turn{
		ID:        m.newID(),
		SessionID: sessionID,
		Status:    domain.TurnRunning,
		StartedAt: now,
	}
	e.session.Turns = append(e.session.Turns, turn)
	e.session.LastActivity = now
	e.activeTurn = turn.ID
	m.turns[turn.ID] = sessionID
	return turn, nil
}

// SessionOf returns the session owning a live turn.
func (m *Manager) SessionOf(turnID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.turns[turnID]
	if !ok {
		return "", ErrUnknownTurn
	}
	return sid, nil
}

// Turn returns a snapshot of a turn.
func (m *Manager) Turn(turnID string) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t := m.lookupTurn(turnID)
	if t == nil {
		return domain.Turn{}, ErrUnknownTurn
	}
	return *t, nil
}

// Suspend records a blocking wait on turnID. The turn is suspended while at
// least one wait is outstanding.
func (m *Manager) Suspend(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, t := m.lookupTurn(turnID)
	if t == nil {
		return ErrUnknownTurn
	}
	e.suspended[turnID]++
	t.Status = domain.TurnSuspendedOnApproval
	return nil
}

// Resume releases one blocking wait on turnID.
func (m *Manager) Resume(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, t := m.lookupTurn(turnID)
	if t == nil {
		return ErrUnknownTurn
	}
	if e.suspended[turnID] > 0 {
		e.suspended[turnID]--
	}
	if e.suspended[turnID] == 0 {
		delete(e.suspended, turnID)
		if t.Status == domain.TurnSuspendedOnApproval {
			t.Status = domain.TurnRunning
		}
	}
	e.session.LastActivity = m.clock()
	return nil
}

// EndTurn finalizes a turn as completed or failed and frees the session for
// the next turn.
func (m *Manager) EndTurn(turnID string, status domain.TurnStatus) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, t := m.lookupTurn(turnID)
	if t == nil {
		return domain.Turn{}, ErrUnknownTurn
	}
	now := m.clock()
	t.Status = status
	t.EndedAt = &now
	delete(e.suspended, turnID)
	if e.activeTurn == turnID {
		e.activeTurn = ""
	}
	e.session.LastActivity = now
	delete(m.turns, turnID)
	return *t, nil
}

// lookupTurn must be called with m.mu held.
func (m *Manager) lookupTurn(turnID string) (*entry, *domain.Turn) {
	sid, ok := m.turns[turnID]
	if !ok {
		return nil, nil
	}
	e, ok := m.sessions[sid]
	if !ok {
		return nil, nil
	}
	for i := len(e.session.Turns) - 1; i >= 0; i-- {
		if e.session.Turns[i].ID == turnID {
			return e, &e.session.Turns[i]
		}
	}
	return nil, nil
}

// AddProposal marks a proposal as unresolved for its session.
func (m *Manager) AddProposal(sessionID, proposalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.active[proposalID] = struct{}{}
		e.session.LastActivity = m.clock()
	}
}

// RemoveProposal clears a resolved proposal.
func (m *Manager) RemoveProposal(sessionID, proposalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		delete(e.active, proposalID)
	}
}

// Remove deletes a session and every live turn index pointing at it. The
// returned snapshot reflects the session at removal.
func (m *Manager) Remove(sessionID string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	for _, t := range e.session.Turns {
		delete(m.turns, t.ID)
	}
	delete(m.sessions, sessionID)
	slog.Info("Session removed", "session_id", sessionID, "turns", len(e.session.Turns))
	return snapshot(e), true
}

// IdleSince returns sessions with no activity since cutoff.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.sessions {
		if e.session.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func snapshot(e *entry) domain.Session {
	s := e.session
	s.Turns = append([]domain.Turn(nil), e.session.Turns...)
	for i := range s.Turns {
		if s.Turns[i].EndedAt != nil {
			t := *s.Turns[i].EndedAt
			s.Turns[i].EndedAt = &t
		}
	}
	s.ActiveProposals = make([]string, 0, len(e.active))
	for id := range e.active {
		s.ActiveProposals = append(s.ActiveProposals, id)
	}
	sort.Strings(s.ActiveProposals)
	return s
}
