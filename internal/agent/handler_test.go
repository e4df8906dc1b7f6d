package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(s *stack, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(s.service, s.hub, s.sessions, limiter, nil).RegisterRoutes(r)
	return r
}

func TestHandleChatStreamsTurn(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/weather/chat", strings.NewReader(`{"message":"weather in Oslo"}`))
	req.Header.Set(identity.SessionHeaderName, "sess-chat")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "sess-chat", rr.Header().Get(identity.SessionHeaderName))

	body := rr.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: session\n"))
	assert.Contains(t, body, "event: tool-result")
	assert.Contains(t, body, "event: turn-status")
	assert.Contains(t, body, `"status":"completed"`)
}

func TestHandleChatAssignsSession(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/simple/chat", strings.NewReader(`{"message":"hello"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get(identity.SessionHeaderName), "sess_"))
}

func TestHandleChatRejectsBadRequests(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "empty message", body: `{"message":""}`, want: http.StatusBadRequest},
		{name: "too large", body: `{"message":"` + strings.Repeat("x", 2<<20) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/agents/simple/chat", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestHandleChatForeignSession(t *testing.T) {
	s := newStack(t)
	_, err := s.sessions.Touch("sess-owned", "anon_someone_else")
	require.NoError(t, err)
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/simple/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set(identity.SessionHeaderName, "sess-owned")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleChatRateLimited(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, middleware.NewRateLimiter(1, time.Hour, 1))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/agents/simple/chat", strings.NewReader(`{"message":"hi"}`))
		req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: "anon_" + strings.Repeat("a", 32)})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes[i] = rr.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHandleStreamReplaysAfterLastEventID(t *testing.T) {
	s := newStack(t)
	for _, text := range []string{"one", "two", "three"} {
		_, err := s.hub.Publish("sess-replay", events.KindToken, events.Token{TurnID: "t1", Text: text})
		require.NoError(t, err)
	}
	router := newTestRouter(s, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-replay/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	body := rr.Body.String()
	assert.True(t, strings.HasPrefix(body, "retry: 5000\n\n"))
	assert.NotContains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\nevent: token")
	assert.Contains(t, body, "id: 3\nevent: token")
	assert.Contains(t, body, "event: connected")
	assert.Less(t, strings.Index(body, "id: 3"), strings.Index(body, "event: connected"))
}

func TestHandleStreamClosesOnTeardown(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.hub.CloseSession("sess-gone")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-gone/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Contains(t, rr.Body.String(), "event: closed")
	assert.NoError(t, ctx.Err(), "stream ended before the client gave up")
}

func TestHandleStreamRejectsInvalidSessionID(t *testing.T) {
	s := newStack(t)
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/bad%20id/events", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
