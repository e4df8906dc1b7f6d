package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/gateway"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/policy"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = "anon_" + strings.Repeat("a", 32)
	intruder = "anon_" + strings.Repeat("b", 32)
)

type env struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	hub      *events.Hub
	conns    *Connections
	router   http.Handler
	notified atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := policy.NewRegistry([]policy.Entry{
		{ToolName: "notify", Requirement: policy.Always, Blocking: false, Summary: "Notify the team"},
	})
	require.NoError(t, err)

	e := &env{
		sessions: session.NewManager(),
		hub:      events.NewHub(100, 100, nil),
		conns:    NewConnections(),
	}
	handlers := gateway.NewRegistry()
	require.NoError(t, handlers.Register("notify", gateway.HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		e.notified.Add(1)
		return json.RawMessage(`{"notified":true}`), nil
	})))

	st := store.NewMemory()
	e.orch, err = orchestrator.New(orchestrator.Deps{
		Store:    st,
		Policy:   reg,
		Gateway:  gateway.New(st, handlers, time.Second),
		Hub:      e.hub,
		Sessions: e.sessions,
	}, orchestrator.Config{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(e.orch, e.sessions, e.conns, nil).RegisterRoutes(r)
	NewWebSocketHandler(e.orch, e.sessions, e.hub, e.conns, nil, true).RegisterRoutes(r)
	NewHealthHandler(nil, e.sessions, e.conns, nil).RegisterHealth(r)
	e.router = r
	return e
}

// pending opens a session for owner and leaves one proposal awaiting a
// decision.
func (e *env) pending(t *testing.T, sessionID string) string {
	t.Helper()
	_, err := e.sessions.Touch(sessionID, owner)
	require.NoError(t, err)
	turn, err := e.orch.BeginTurn(context.Background(), sessionID)
	require.NoError(t, err)
	out, err := e.orch.Propose(context.Background(), turn.ID, "notify", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusPending, out.Status)
	return out.ProposalID
}

func (e *env) do(t *testing.T, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: user})
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "bar", decode[map[string]string](t, w)["foo"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrConflict, http.StatusConflict},
		{store.ErrNotFound, http.StatusNotFound},
		{session.ErrForbidden, http.StatusForbidden},
		{orchestrator.ErrUnknownSession, http.StatusNotFound},
		{orchestrator.ErrTurnInProgress, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestApproveExecutesOnce(t *testing.T) {
	e := newEnv(t)
	id := e.pending(t, "s1")
	body := `{"proposalId":"` + id + `","decision":"approve"}`

	rr := e.do(t, owner, http.MethodPost, "/api/sessions/s1/approvals", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[orchestrator.Outcome](t, rr)
	assert.Equal(t, orchestrator.StatusCompleted, out.Status)
	assert.JSONEq(t, `{"notified":true}`, string(out.Result))

	rr = e.do(t, owner, http.MethodPost, "/api/sessions/s1/approvals", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, int32(1), e.notified.Load())
}

func TestRejectNeverExecutes(t *testing.T) {
	e := newEnv(t)
	id := e.pending(t, "s1")

	rr := e.do(t, owner, http.MethodPost, "/api/sessions/s1/approvals", `{"proposalId":"`+id+`","decision":"reject"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode[orchestrator.Outcome](t, rr)
	assert.Equal(t, orchestrator.StatusRejected, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, domain.ReasonHumanRejected, out.Failure.Reason)
	assert.Zero(t, e.notified.Load())
}

func TestApproveErrors(t *testing.T) {
	e := newEnv(t)
	id := e.pending(t, "s1")
	_ = e.pending(t, "s2")

	tests := []struct {
		name string
		user string
		path string
		body string
		want int
	}{
		{"unknown proposal", owner, "/api/sessions/s1/approvals", `{"proposalId":"nope","decision":"approve"}`, http.StatusNotFound},
		{"proposal of another session", owner, "/api/sessions/s2/approvals", `{"proposalId":"` + id + `","decision":"approve"}`, http.StatusNotFound},
		{"foreign user", intruder, "/api/sessions/s1/approvals", `{"proposalId":"` + id + `","decision":"approve"}`, http.StatusForbidden},
		{"unknown session", owner, "/api/sessions/s9/approvals", `{"proposalId":"` + id + `","decision":"approve"}`, http.StatusNotFound},
		{"bad decision", owner, "/api/sessions/s1/approvals", `{"proposalId":"` + id + `","decision":"maybe"}`, http.StatusBadRequest},
		{"malformed body", owner, "/api/sessions/s1/approvals", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, tt.user, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
	assert.Zero(t, e.notified.Load())
}

func TestListPendingAndGetProposal(t *testing.T) {
	e := newEnv(t)
	id := e.pending(t, "s1")

	rr := e.do(t, owner, http.MethodGet, "/api/sessions/s1/proposals", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Proposals []domain.Proposal `json:"proposals"`
	}](t, rr)
	require.Len(t, list.Proposals, 1)
	assert.Equal(t, id, list.Proposals[0].ID)
	assert.Equal(t, domain.StatePendingHuman, list.Proposals[0].State)

	rr = e.do(t, owner, http.MethodGet, "/api/proposals/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "notify", decode[domain.Proposal](t, rr).ToolName)

	assert.Equal(t, http.StatusForbidden, e.do(t, intruder, http.MethodGet, "/api/proposals/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, owner, http.MethodGet, "/api/proposals/nope", "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, intruder, http.MethodGet, "/api/sessions/s1/proposals", "").Code)
}

func TestDeleteSessionCancelsPending(t *testing.T) {
	e := newEnv(t)
	id := e.pending(t, "s1")
	other := e.pending(t, "s2")

	rr := e.do(t, owner, http.MethodDelete, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["canceled_proposals"])

	p, err := e.orch.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, p.State)
	require.NotNil(t, p.Failure)
	assert.Equal(t, domain.ReasonSessionCanceled, p.Failure.Reason)

	q, err := e.orch.Get(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingHuman, q.State)

	// Snapshots outlive the session.
	assert.Equal(t, http.StatusOK, e.do(t, owner, http.MethodGet, "/api/proposals/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, owner, http.MethodDelete, "/api/sessions/s1", "").Code)
}

func TestConfigListsAgents(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, owner, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rr.Code)

	cfg := decode[map[string]any](t, rr)
	assert.Equal(t, "simple", cfg["default_agent"])
	assert.EqualValues(t, orchestrator.DefaultApprovalTimeout.Seconds(), cfg["approval_timeout_seconds"])
	assert.Len(t, cfg["agents"], 3)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, owner, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rr)["status"])

	h := NewHealthHandler(failingPinger{}, e.sessions, e.conns, nil)
	rr = httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rr)["status"])
}
