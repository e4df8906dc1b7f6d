package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketHandler serves the bidirectional session channel: session events
// out, approval-responses in. Closing the socket tears the session down.
type WebSocketHandler struct {
	orch           *orchestrator.Orchestrator
	sessions       *session.Manager
	hub            *events.Hub
	conns          *Connections
	allowedOrigins []string
	isDev          bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(orch *orchestrator.Orchestrator, sessions *session.Manager, hub *events.Hub, conns *Connections, allowedOrigins []string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		orch:           orch,
		sessions:       sessions,
		hub:            hub,
		conns:          conns,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{id}", h.ServeHTTP)
}

// wsMessage is an inbound client message.
type wsMessage struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposalId,omitempty"`
	Decision   string `json:"decision,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !identity.ValidSessionID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if _, err := h.sessions.Touch(sessionID, userID); err != nil {
		http.Error(w, "session belongs to another user", http.StatusForbidden)
		return
	}

	var lastEventID int64
	if v := r.URL.Query().Get("lastEventId"); v != "" {
		lastEventID, _ = strconv.ParseInt(v, 10, 64)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)

	since := lastEventID
	if since == 0 {
		since = h.hub.LastEventID(sessionID)
	}
	sub, missed := h.hub.Subscribe(sessionID, lastEventID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	var clientGone atomic.Bool
	wg.Add(2)

	// Input loop: approval-responses from the client.
	go func() {
		defer wg.Done()
		defer cancel()
		if h.inputLoop(ctx, ws, sessionID) {
			clientGone.Store(true)
		}
	}()

	// Output loop: hub -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		if err := h.outputLoop(ctx, ws, sub, missed, since, sessionID); err != nil {
			slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
			clientGone.Store(true)
		}
	}()

	wg.Wait()

	// Only a client that went away ends the session; a replaced connection
	// hands it over.
	if h.conns.Unregister(sessionID, ws) && clientGone.Load() {
		canceled, err := h.orch.CancelSession(context.Background(), sessionID)
		switch {
		case err == nil:
			slog.Info("Session torn down on disconnect", "session_id", sessionID, "canceled_proposals", canceled)
		case !errors.Is(err, orchestrator.ErrUnknownSession):
			slog.Error("Failed to tear down session", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("Session channel ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// inputLoop reads client messages. It reports whether the client ended the
// channel, by closing the socket or sending terminate.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) bool {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return true
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.writeJSON(ws, map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "approval-response":
			h.handleApproval(ctx, ws, sessionID, msg)
		case "ping":
			h.writeJSON(ws, map[string]string{"type": "pong"})
		case "terminate":
			slog.Info("Session terminate requested", "session_id", sessionID)
			h.writeJSON(ws, map[string]string{"type": "terminated"})
			return true
		default:
			h.writeJSON(ws, map[string]string{"type": "error", "error": "unknown message type"})
			continue
		}

		h.sessions.Refresh(sessionID)
	}
}

func (h *WebSocketHandler) handleApproval(ctx context.Context, ws *websocket.Conn, sessionID string, msg wsMessage) {
	decision, ok := domain.ParseDecision(msg.Decision)
	if !ok || msg.ProposalID == "" {
		h.writeJSON(ws, map[string]string{"type": "error", "error": "proposalId and decision (approve|reject) are required"})
		return
	}

	out, err := resolveInSession(ctx, h.orch, sessionID, msg.ProposalID, decision)
	if err != nil {
		_, text := statusFor(err)
		h.writeJSON(ws, map[string]string{"type": "error", "proposalId": msg.ProposalID, "error": text})
		return
	}
	h.writeJSON(ws, map[string]any{"type": "approval-ack", "proposalId": msg.ProposalID, "status": out.Status})
}

// outputLoop writes session events until the session closes or a write
// fails. A subscription the hub dropped for lagging is renewed from the last
// event written, so a live client never loses its session.
func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *events.Subscription, missed []events.Event, lastID int64, sessionID string) error {
	defer func() { h.hub.Unsubscribe(sub) }()

	write := func(evs ...events.Event) error {
		for _, ev := range evs {
			if err := h.writeEvent(ctx, ws, ev); err != nil {
				return err
			}
			lastID = ev.ID
		}
		return nil
	}

	if err := write(missed...); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				if !sub.Dropped() {
					h.writeJSON(ws, map[string]string{"type": "closed"})
					return nil
				}
				slog.Info("Resubscribing lagging session channel", "session_id", sessionID, "last_event_id", lastID)
				sub, missed = h.hub.Resume(sessionID, lastID)
				if err := write(missed...); err != nil {
					return err
				}
				continue
			}
			if err := write(ev); err != nil {
				return err
			}
		}
	}
}

func (h *WebSocketHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write WebSocket message", "error", err)
	}
}
