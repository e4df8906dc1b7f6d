// Package api provides the HTTP handlers for sessions, approvals and health.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
)

const defaultMaxBodySize = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	conns    *Connections
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies. cfg may be nil.
func NewHandler(orch *orchestrator.Orchestrator, sessions *session.Manager, conns *Connections, cfg *config.Config) *Handler {
	if conns == nil {
		conns = NewConnections()
	}
	return &Handler{
		orch:     orch,
		sessions: sessions,
		conns:    conns,
		cfg:      cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps orchestrator and store errors to a response.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "proposal is no longer pending"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "proposal not found"
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "session belongs to another user"
	case errors.Is(err, orchestrator.ErrUnknownSession):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		return http.StatusConflict, "turn already in progress"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	Error(w, status, msg)
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxBodySize
}
