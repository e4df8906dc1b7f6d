package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/middleware"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultRetryDelay         = 5 * time.Second
	defaultKeepalive          = 10 * time.Second
)

// Handler serves chat turns and session event streams over SSE.
type Handler struct {
	service  *Service
	hub      *events.Hub
	sessions *session.Manager
	limiter  *middleware.RateLimiter
	cfg      *config.Config
}

// NewHandler creates the agent HTTP handler. cfg and limiter may be nil.
func NewHandler(service *Service, hub *events.Hub, sessions *session.Manager, limiter *middleware.RateLimiter, cfg *config.Config) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		sessions: sessions,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/agents/{agent}/chat", h.HandleChat)
	r.Get("/api/sessions/{id}/events", h.HandleStream)
}

func (h *Handler) retryDelay() time.Duration {
	if h.cfg != nil && h.cfg.SSE.RetryDelay > 0 {
		return h.cfg.SSE.RetryDelay
	}
	return defaultRetryDelay
}

func (h *Handler) keepalive() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return defaultKeepalive
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

// HandleChat handles POST /api/agents/{agent}/chat. The response streams
// the session's events until the turn ends; approvals arrive on a separate
// request while the stream stays open.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.limiter.Allow(identity.RateLimitKey(r)) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		var err error
		if sessionID, err = identity.NewSessionID(); err != nil {
			http.Error(w, `{"error": "failed to create session"}`, http.StatusInternalServerError)
			return
		}
	}
	if _, err := h.sessions.Touch(sessionID, userID); err != nil {
		http.Error(w, `{"error": "session belongs to another user"}`, http.StatusForbidden)
		return
	}

	req.Agent = chi.URLParam(r, "agent")
	req.UserID = userID
	req.SessionID = sessionID

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	stream, err := h.service.Chat(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrTurnInProgress) {
			http.Error(w, `{"error": "turn already in progress"}`, http.StatusConflict)
			return
		}
		slog.Error("Failed to start turn", "session_id", sessionID, "error", err)
		http.Error(w, `{"error": "failed to start turn"}`, http.StatusInternalServerError)
		return
	}

	slog.Info("Agent chat request",
		"user_id", userID,
		"session_id", sessionID,
		"agent", req.Agent,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	w.Header().Set(identity.SessionHeaderName, sessionID)
	setSSEHeaders(w)
	if err := writeSSE(w, "session", jsonData(map[string]string{"session_id": sessionID, "agent": req.Agent})); err != nil {
		slog.Warn("failed to write SSE session event", "error", err)
		return
	}
	flusher.Flush()

	for ev, err := range stream {
		if err != nil {
			if writeErr := writeSSE(w, "error", jsonData(map[string]string{"error": err.Error()})); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}
		if err := writeEvent(w, ev); err != nil {
			slog.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
			return
		}
		flusher.Flush()
	}
}

// HandleStream handles GET /api/sessions/{id}/events: replay after
// Last-Event-ID, then live events with keepalive pings until the session
// is torn down or the client leaves.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if !identity.ValidSessionID(sessionID) {
		http.Error(w, `{"error": "invalid session id"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Touch(sessionID, userID); err != nil {
		http.Error(w, `{"error": "session belongs to another user"}`, http.StatusForbidden)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID", "session_id", sessionID, "last_event_id", lastEventID)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.retryDelay().Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}

	lastID := lastEventID
	if lastID == 0 {
		lastID = h.hub.LastEventID(sessionID)
	}
	sub, missed := h.hub.Subscribe(sessionID, lastEventID)
	defer func() { h.hub.Unsubscribe(sub) }()

	if len(missed) > 0 {
		slog.Info("Sending missed events", "session_id", sessionID, "count", len(missed))
	}
	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			slog.Warn("failed to replay SSE event", "error", err, "session_id", sessionID)
			return
		}
		lastID = ev.ID
	}

	connected := jsonData(map[string]any{"status": "connected", "session_id": sessionID, "last_event_id": h.hub.LastEventID(sessionID)})
	if err := writeSSE(w, "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()
	slog.Info("SSE connection established", "session_id", sessionID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.keepalive())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Event stream disconnected", "session_id", sessionID)
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					slog.Info("Resubscribing lagging event stream", "session_id", sessionID, "last_event_id", lastID)
					var backlog []events.Event
					sub, backlog = h.hub.Resume(sessionID, lastID)
					for _, ev := range backlog {
						if err := writeEvent(w, ev); err != nil {
							slog.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
							return
						}
						lastID = ev.ID
					}
					flusher.Flush()
					continue
				}
				if err := writeSSE(w, "closed", `{"status":"closed"}`); err == nil {
					flusher.Flush()
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
				return
			}
			lastID = ev.ID
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEWithID(w, ev.ID, string(ev.Kind), string(data))
}

func jsonData(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{}`
	}
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
