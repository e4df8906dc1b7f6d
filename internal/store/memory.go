package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/google/uuid"
)

type memRecord struct {
	seq      uint64
	proposal *domain.Proposal
}

// MemoryStore implements ProposalStore in process memory. Records live for
// the lifetime of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*memRecord
	bySession map[string][]string
	seq       uint64
	clock     func() time.Time
	newID     func() string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*memRecord),
		bySession: make(map[string][]string),
		clock:     time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Create inserts a new proposal in state proposed.
func (s *MemoryStore) Create(_ context.Context, np NewProposal) (string, error) {
	if np.SessionID == "" || np.TurnID == "" || np.ToolName == "" {
		return "", fmt.Errorf("create proposal: session, turn and tool are required")
	}
	args := np.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.records[id]; exists {
		return "", fmt.Errorf("create proposal: duplicate id %s", id)
	}
	s.seq++
	p := &domain.Proposal{
		ID:        id,
		SessionID: np.SessionID,
		TurnID:    np.TurnID,
		ToolName:  np.ToolName,
		Arguments: append(json.RawMessage(nil), args...),
		State:     domain.StateProposed,
		Blocking:  np.Blocking,
		CreatedAt: s.clock(),
	}
	s.records[id] = &memRecord{seq: s.seq, proposal: p}
	s.bySession[np.SessionID] = append(s.bySession[np.SessionID], id)
	return id, nil
}

// Transition performs a compare-and-swap state change.
func (s *MemoryStore) Transition(_ context.Context, id string, from, to domain.ProposalState, payload Payload) (*domain.Proposal, error) {
	if err := checkEdge(from, to); err != nil {
		return nil, err
	}
	if err := validatePayload(to, payload); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.proposal.State != from {
		return nil, ErrConflict
	}
	apply(rec.proposal, to, payload, s.clock())
	return rec.proposal.Clone(), nil
}

// Get returns a copy of a proposal.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.proposal.Clone(), nil
}

// ListPending returns pending_human proposals of a session in creation order.
func (s *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]*domain.Proposal, error) {
	all, err := s.ListSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, p := range all {
		if p.State == domain.StatePendingHuman {
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// ListSession returns all proposals of a session in creation order.
func (s *MemoryStore) ListSession(_ context.Context, sessionID string) ([]*domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	recs := make([]*memRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].proposal.CreatedAt, recs[j].proposal.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].seq < recs[j].seq
	})

	out := make([]*domain.Proposal, len(recs))
	for i, rec := range recs {
		out[i] = rec.proposal.Clone()
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ ProposalStore = (*MemoryStore)(nil)
