package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/orchestrator"
)

// Service runs chat turns. Turns outlive the request that started them:
// they end on completion, failure, session teardown or service shutdown.
type Service struct {
	driver   TurnDriver
	hub      *events.Hub
	backends map[string]Backend
	log      ConversationLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates an agent service. backends must contain DefaultPersona.
func NewService(driver TurnDriver, hub *events.Hub, backends map[string]Backend, log ConversationLogger) (*Service, error) {
	if driver == nil || hub == nil {
		return nil, fmt.Errorf("agent: driver and hub are required")
	}
	if _, ok := backends[DefaultPersona]; !ok {
		return nil, fmt.Errorf("agent: no %q backend", DefaultPersona)
	}
	if log == nil {
		log = noopConversationLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		driver:   driver,
		hub:      hub,
		backends: backends,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// NewScriptedService wires every shipped persona.
func NewScriptedService(driver TurnDriver, hub *events.Hub, cfg Config, log ConversationLogger) (*Service, error) {
	backends := make(map[string]Backend, len(personas))
	for name := range personas {
		backends[name] = NewScriptedBackend(name, cfg)
	}
	return NewService(driver, hub, backends, log)
}

func (s *Service) backendFor(name string) (string, Backend) {
	name = strings.ToLower(strings.TrimSpace(name))
	if b, ok := s.backends[name]; ok {
		return name, b
	}
	return DefaultPersona, s.backends[DefaultPersona]
}

// Chat starts a turn and returns the session's events until that turn
// ends. Turn start errors, such as orchestrator.ErrTurnInProgress, are
// returned directly. The sequence must be consumed; stopping early leaves
// the turn running.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (iter.Seq2[events.Event, error], error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	// Subscribe first so the turn's opening status is not missed.
	lastID := s.hub.LastEventID(req.SessionID)
	sub, _ := s.hub.Subscribe(req.SessionID, 0)
	turn, err := s.driver.BeginTurn(ctx, req.SessionID)
	if err != nil {
		s.hub.Unsubscribe(sub)
		return nil, err
	}

	s.logMessage(req, "outbound", "chat_user_message", req.Message, map[string]any{"turn_id": turn.ID})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(turn, req)
	}()

	return func(yield func(events.Event, error) bool) {
		defer func() { s.hub.Unsubscribe(sub) }()
		var backlog []events.Event
		for {
			if len(backlog) > 0 {
				ev := backlog[0]
				backlog = backlog[1:]
				lastID = ev.ID
				if !yield(ev, nil) || turnEnded(ev, turn.ID) {
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					if !sub.Dropped() {
						yield(events.Event{}, orchestrator.ErrUnknownSession)
						return
					}
					slog.Info("Resubscribing lagging chat stream", "session_id", req.SessionID, "last_event_id", lastID)
					sub, backlog = s.hub.Resume(req.SessionID, lastID)
					continue
				}
				lastID = ev.ID
				if !yield(ev, nil) {
					return
				}
				if turnEnded(ev, turn.ID) {
					return
				}
			}
		}
	}, nil
}

func turnEnded(ev events.Event, turnID string) bool {
	if ev.Kind != events.KindTurnStatus {
		return false
	}
	var st events.TurnStatus
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		return false
	}
	return st.TurnID == turnID && (st.Status == domain.TurnCompleted || st.Status == domain.TurnFailed)
}

// run drives the backend to completion and ends the turn.
func (s *Service) run(turn domain.Turn, req ChatRequest) {
	name, backend := s.backendFor(req.Agent)
	caller := &turnCaller{driver: s.driver, turnID: turn.ID}
	start := time.Now()

	var answer strings.Builder
	var cause error
	chunks := 0
	for frag, err := range backend.Stream(s.ctx, TurnInput{SessionID: turn.SessionID, TurnID: turn.ID, Message: req.Message}, caller) {
		if err != nil {
			cause = err
			break
		}
		if frag.Type != FragmentText {
			continue
		}
		chunks++
		answer.WriteString(frag.Text)
		s.driver.Emit(turn.SessionID, events.KindToken, events.Token{TurnID: turn.ID, Text: frag.Text})
	}

	if cause != nil && !errors.Is(cause, orchestrator.ErrUnknownTurn) {
		slog.Error("Agent turn failed", "session_id", turn.SessionID, "turn_id", turn.ID, "agent", name, "error", cause)
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	s.logMessage(req, "inbound", "chat_assistant_message", answer.String(), map[string]any{
		"turn_id":       turn.ID,
		"agent":         name,
		"stream_chunks": chunks,
		"partial":       cause != nil,
		"stream_error":  errMsg,
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	if _, err := s.driver.EndTurn(turn.ID, cause); err != nil && !errors.Is(err, orchestrator.ErrUnknownTurn) {
		slog.Warn("Failed to end turn", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}
}

func (s *Service) logMessage(req ChatRequest, direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    "chat_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Close cancels running turns and waits for them to end.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	if err := s.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// turnCaller binds tool calls to one turn.
type turnCaller struct {
	driver TurnDriver
	turnID string
}

func (c *turnCaller) Call(ctx context.Context, call ToolCall) (orchestrator.Outcome, error) {
	return c.driver.Propose(ctx, c.turnID, call.Name, call.Arguments)
}

func (c *turnCaller) Await(ctx context.Context, proposalID string) (orchestrator.Outcome, error) {
	return c.driver.Await(ctx, proposalID)
}
