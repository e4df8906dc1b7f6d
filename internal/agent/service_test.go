package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/gateway"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/policy"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	orch     *orchestrator.Orchestrator
	hub      *events.Hub
	sessions *session.Manager
	outbox   *tools.Outbox
	service  *Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithHub(t, events.NewHub(256, 256, nil))
}

func newStackWithHub(t *testing.T, hub *events.Hub) *stack {
	t.Helper()
	reg, err := policy.NewRegistry(policy.Defaults())
	require.NoError(t, err)

	st := store.NewMemory()
	handlers := gateway.NewRegistry()
	outbox := tools.NewOutbox()
	require.NoError(t, tools.Register(handlers, outbox))

	s := &stack{
		hub:      hub,
		sessions: session.NewManager(),
		outbox:   outbox,
	}
	s.orch, err = orchestrator.New(orchestrator.Deps{
		Store:    st,
		Policy:   reg,
		Gateway:  gateway.New(st, handlers, time.Second),
		Hub:      s.hub,
		Sessions: s.sessions,
	}, orchestrator.Config{})
	require.NoError(t, err)

	s.service, err = NewScriptedService(s.orch, s.hub, DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(s.service.Close)
	return s
}

// transcriptOf consumes a chat stream, calling onApproval for each
// approval request, and returns the events and the streamed text.
func transcriptOf(t *testing.T, stream func(func(events.Event, error) bool), onApproval func(events.ApprovalRequest)) ([]events.Event, string, error) {
	t.Helper()
	var evs []events.Event
	var text strings.Builder
	var streamErr error

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev, err := range stream {
			if err != nil {
				streamErr = err
				return
			}
			evs = append(evs, ev)
			switch ev.Kind {
			case events.KindToken:
				var tok events.Token
				_ = json.Unmarshal(ev.Data, &tok)
				text.WriteString(tok.Text)
			case events.KindApprovalRequest:
				var req events.ApprovalRequest
				_ = json.Unmarshal(ev.Data, &req)
				if onApproval != nil {
					go onApproval(req)
				}
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("chat stream did not end")
	}
	return evs, text.String(), streamErr
}

func toolResults(t *testing.T, evs []events.Event) []events.ToolResult {
	t.Helper()
	var out []events.ToolResult
	for _, ev := range evs {
		if ev.Kind == events.KindToolResult {
			var res events.ToolResult
			require.NoError(t, json.Unmarshal(ev.Data, &res))
			out = append(out, res)
		}
	}
	return out
}

func lastTurnStatus(t *testing.T, evs []events.Event) domain.TurnStatus {
	t.Helper()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == events.KindTurnStatus {
			var st events.TurnStatus
			require.NoError(t, json.Unmarshal(evs[i].Data, &st))
			return st.Status
		}
	}
	return ""
}

func TestWeatherTurnRunsWithoutApproval(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "What's the weather in Paris?", Agent: "weather", SessionID: "s1"})
	require.NoError(t, err)

	evs, text, err := transcriptOf(t, stream, func(events.ApprovalRequest) { t.Error("weather must not ask for approval") })
	require.NoError(t, err)

	results := toolResults(t, evs)
	require.Len(t, results, 1)
	assert.Equal(t, "get_weather", results[0].ToolName)
	assert.Equal(t, "completed", results[0].Status)
	assert.Contains(t, text, "in Paris")
	assert.Equal(t, domain.TurnCompleted, lastTurnStatus(t, evs))

	ids := make([]int64, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i], "event ids are consecutive")
	}
}

func TestTaskPlanApprovedThenStepsAutoApproved(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "book flights, reserve hotel then pack", Agent: "tasks", SessionID: "s1"})
	require.NoError(t, err)

	approvals := 0
	evs, text, err := transcriptOf(t, stream, func(req events.ApprovalRequest) {
		approvals++
		assert.Equal(t, "generate_task_plan", req.ToolName)
		_, rerr := s.orch.Resolve(context.Background(), req.ProposalID, domain.DecisionApprove)
		assert.NoError(t, rerr)
	})
	require.NoError(t, err)

	results := toolResults(t, evs)
	require.Len(t, results, 2)
	assert.Equal(t, "generate_task_plan", results[0].ToolName)
	assert.Equal(t, "execute_task_steps", results[1].ToolName)
	assert.Equal(t, "completed", results[1].Status)
	assert.Contains(t, text, "Successfully executed 3 steps")
	assert.Contains(t, text, "✓ reserve hotel")
	assert.Equal(t, 1, approvals)
}

func TestTaskPlanRejectedStops(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "clean the garage", Agent: "tasks", SessionID: "s1"})
	require.NoError(t, err)

	evs, text, err := transcriptOf(t, stream, func(req events.ApprovalRequest) {
		_, _ = s.orch.Resolve(context.Background(), req.ProposalID, domain.DecisionReject)
	})
	require.NoError(t, err)

	results := toolResults(t, evs)
	require.Len(t, results, 1)
	assert.Equal(t, "rejected", results[0].Status)
	assert.Contains(t, text, "I will not run generate_task_plan")
	assert.Equal(t, domain.TurnCompleted, lastTurnStatus(t, evs))
}

func TestEmailNeedsApproval(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "please email bob@example.com about lunch", Agent: "simple", SessionID: "s1"})
	require.NoError(t, err)

	_, text, err := transcriptOf(t, stream, func(req events.ApprovalRequest) {
		assert.Equal(t, "send_email", req.ToolName)
		assert.Empty(t, s.outbox.Sent(), "nothing is sent before approval")
		_, _ = s.orch.Resolve(context.Background(), req.ProposalID, domain.DecisionApprove)
	})
	require.NoError(t, err)

	sent := s.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob@example.com", sent[0].To)
	assert.Contains(t, text, "has been sent")
}

func TestLaggingChatStreamResumes(t *testing.T) {
	// A tiny subscriber buffer forces drops; the replay window covers them.
	s := newStackWithHub(t, events.NewHub(4096, 4, nil))
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "please email bob@example.com about lunch", Agent: "simple", SessionID: "s1"})
	require.NoError(t, err)

	evs, text, err := transcriptOf(t, stream, func(req events.ApprovalRequest) {
		for i := 0; i < 2000; i++ {
			_, _ = s.hub.Publish("s1", events.KindToken, events.Token{Text: "."})
		}
		_, _ = s.orch.Resolve(context.Background(), req.ProposalID, domain.DecisionApprove)
	})
	require.NoError(t, err)

	assert.Contains(t, text, "has been sent")
	assert.Equal(t, domain.TurnCompleted, lastTurnStatus(t, evs))
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].ID, evs[i-1].ID)
	}
	_, live := s.sessions.Get("s1")
	assert.True(t, live)
}

func TestUnknownAgentFallsBackToSimple(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "hi there", Agent: "recipes", SessionID: "s1"})
	require.NoError(t, err)

	_, text, err := transcriptOf(t, stream, nil)
	require.NoError(t, err)
	assert.Contains(t, text, "scripted assistant")
}

func TestSecondTurnWhileSuspendedIsRejected(t *testing.T) {
	s := newStack(t)
	sub, _ := s.hub.Subscribe("s1", 0)
	defer s.hub.Unsubscribe(sub)

	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "email bob@example.com", Agent: "simple", SessionID: "s1"})
	require.NoError(t, err)
	go func() {
		for range stream {
		}
	}()

	var proposalID string
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.C:
			if ev.Kind == events.KindApprovalRequest {
				var req events.ApprovalRequest
				_ = json.Unmarshal(ev.Data, &req)
				proposalID = req.ProposalID
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, time.Millisecond)

	_, err = s.service.Chat(context.Background(), ChatRequest{Message: "hello", Agent: "simple", SessionID: "s1"})
	assert.ErrorIs(t, err, orchestrator.ErrTurnInProgress)

	_, err = s.orch.Resolve(context.Background(), proposalID, domain.DecisionApprove)
	require.NoError(t, err)
}

func TestSessionTeardownEndsChat(t *testing.T) {
	s := newStack(t)
	stream, err := s.service.Chat(context.Background(), ChatRequest{Message: "email bob@example.com", Agent: "simple", SessionID: "s1"})
	require.NoError(t, err)

	evs, _, err := transcriptOf(t, stream, func(events.ApprovalRequest) {
		_, cerr := s.orch.CancelSession(context.Background(), "s1")
		assert.NoError(t, cerr)
	})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownSession)

	results := toolResults(t, evs)
	require.Len(t, results, 1)
	assert.Equal(t, "canceled", results[0].Status)
	assert.Empty(t, s.outbox.Sent())
}

func TestChatRequiresMessage(t *testing.T) {
	s := newStack(t)
	_, err := s.service.Chat(context.Background(), ChatRequest{Message: "  ", SessionID: "s1"})
	assert.Error(t, err)
}
