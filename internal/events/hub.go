// Package events fans session events out to connected clients and keeps a
// bounded replay window per session for reconnects.
package events

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindToken           Kind = "token"
	KindApprovalRequest Kind = "approval-request"
	KindToolResult      Kind = "tool-result"
	KindTurnStatus      Kind = "turn-status"
)

// Event is one message on a session's stream. IDs increase by one per
// session, starting at 1.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Token is a text fragment from the model backend.
type Token struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
}

// ApprovalRequest asks the client for a decision.
type ApprovalRequest struct {
	ProposalID string          `json:"proposalId"`
	TurnID     string          `json:"turnId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments"`
	Summary    string          `json:"summary"`
	Blocking   bool            `json:"blocking"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
}

// ToolResult reports the final outcome of a proposal.
type ToolResult struct {
	ProposalID    string                `json:"proposalId"`
	ToolName      string                `json:"toolName"`
	Status        string                `json:"status"`
	Payload       json.RawMessage       `json:"payload,omitempty"`
	FailureReason *domain.FailureReason `json:"failureReason,omitempty"`
}

// TurnStatus reports a turn lifecycle change.
type TurnStatus struct {
	TurnID string            `json:"turnId"`
	Status domain.TurnStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// Observer receives hub activity, typically for metrics.
type Observer interface {
	EventPublished(kind string)
	SubscriberDropped()
}

// Subscription is a live feed of one session's events. C is closed when the
// subscription ends, either by Unsubscribe, session close, or because the
// subscriber fell behind.
type Subscription struct {
	ID        int64
	SessionID string
	C         <-chan Event

	ch      chan Event
	closed  bool
	dropped bool
}

// Dropped reports whether the hub ended the subscription because the
// subscriber fell behind. The session is still live; resubscribe with the
// last event id received. Only meaningful once C is closed.
func (s *Subscription) Dropped() bool {
	return s.dropped
}

type stream struct {
	lastID int64
	replay *list.List
	subs   map[int64]*Subscription
}

// Hub multiplexes events per session.
type Hub struct {
	mu         sync.Mutex
	streams    map[string]*stream
	nextSubID  int64
	replaySize int
	bufferSize int
	observer   Observer
	clock      func() time.Time
}

// NewHub creates a hub. replaySize bounds the per-session replay window and
// bufferSize the per-subscriber channel.
func NewHub(replaySize, bufferSize int, observer Observer) *Hub {
	if replaySize <= 0 {
		replaySize = 100
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		streams:    make(map[string]*stream),
		replaySize: replaySize,
		bufferSize: bufferSize,
		observer:   observer,
		clock:      time.Now,
	}
}

func (h *Hub) streamFor(sessionID string) *stream {
	s, ok := h.streams[sessionID]
	if !ok {
		s = &stream{replay: list.New(), subs: make(map[int64]*Subscription)}
		h.streams[sessionID] = s
	}
	return s
}

// Publish assigns the next event id for the session, records the event for
// replay and delivers it to every subscriber. Subscribers whose buffer is
// full are dropped; they recover by resubscribing with their last event id.
func (h *Hub) Publish(sessionID string, kind Kind, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", kind, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamFor(sessionID)
	s.lastID++
	ev := Event{
		ID:        s.lastID,
		SessionID: sessionID,
		Kind:      kind,
		Data:      data,
		Timestamp: h.clock(),
	}

	s.replay.PushBack(ev)
	for s.replay.Len() > h.replaySize {
		s.replay.Remove(s.replay.Front())
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("[HUB] Dropping slow subscriber", "session_id", sessionID, "subscriber_id", id, "event_id", ev.ID)
			sub.dropped = true
			h.closeSub(s, sub)
			if h.observer != nil {
				h.observer.SubscriberDropped()
			}
		}
	}

	if h.observer != nil {
		h.observer.EventPublished(string(kind))
	}
	return ev, nil
}

// Subscribe registers a live subscriber. When lastEventID is positive the
// events after it that are still in the replay window are returned; they
// precede anything delivered on the subscription channel.
func (h *Hub) Subscribe(sessionID string, lastEventID int64) (*Subscription, []Event) {
	return h.subscribe(sessionID, lastEventID, lastEventID > 0)
}

// Resume subscribes again after a dropped subscription, returning every
// event in the replay window after afterID, including when afterID is zero.
func (h *Hub) Resume(sessionID string, afterID int64) (*Subscription, []Event) {
	return h.subscribe(sessionID, afterID, true)
}

func (h *Hub) subscribe(sessionID string, afterID int64, replay bool) (*Subscription, []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamFor(sessionID)

	var missed []Event
	if replay {
		for e := s.replay.Front(); e != nil; e = e.Next() {
			ev := e.Value.(Event)
			if ev.ID > afterID {
				missed = append(missed, ev)
			}
		}
	}

	h.nextSubID++
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{ID: h.nextSubID, SessionID: sessionID, C: ch, ch: ch}
	s.subs[sub.ID] = sub
	return sub, missed
}

// Unsubscribe ends a subscription. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[sub.SessionID]; ok {
		h.closeSub(s, sub)
	}
}

// LastEventID returns the id of the newest event published for a session.
func (h *Hub) LastEventID(sessionID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[sessionID]; ok {
		return s.lastID
	}
	return 0
}

// CloseSession ends every subscription of a session and forgets its replay
// window.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[sessionID]
	if !ok {
		return
	}
	for _, sub := range s.subs {
		h.closeSub(s, sub)
	}
	delete(h.streams, sessionID)
	slog.Info("[HUB] Session stream closed", "session_id", sessionID, "last_event_id", s.lastID)
}

func (h *Hub) closeSub(s *stream, sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, sub.ID)
	close(sub.ch)
}
