package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check and info endpoints.
type HealthHandler struct {
	db       Pinger
	sessions *session.Manager
	conns    *Connections
	cfg      *config.Config
}

// NewHealthHandler creates a new health handler. db is nil for the
// in-memory store.
func NewHealthHandler(db Pinger, sessions *session.Manager, conns *Connections, cfg *config.Config) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions, conns: conns, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	switch {
	case h.db == nil:
		checks["database"] = "memory"
	case h.db.Ping(ctx) != nil:
		slog.Error("Health check failed", "check", "database")
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	default:
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// Info describes the service and its agents.
func (h *HealthHandler) Info(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"service":         "agentgate",
		"agents":          agent.Personas(),
		"active_sessions": h.sessions.Count(),
		"ws_connections":  h.conns.Count(),
	})
}

// RegisterHealth registers the health check and info routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/", h.Info)
	r.Get("/health", h.Health)
}
