package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/go-chi/chi/v5"
)

// teardownLocks prevents concurrent teardown requests for the same session.
var teardownLocks sync.Map

type approvalRequest struct {
	ProposalID string `json:"proposalId"`
	Decision   string `json:"decision"`
}

// RegisterRoutes registers session and approval routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/sessions/{id}/proposals", h.ListPending)
	r.Post("/api/sessions/{id}/approvals", h.Approve)
	r.Delete("/api/sessions/{id}", h.DeleteSession)
	r.Get("/api/proposals/{id}", h.GetProposal)
}

// GetMe returns the caller's identity.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"session_id": identity.SessionIDFromContext(r.Context()),
	})
}

// GetConfig returns the settings the frontend needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	timeout := orchestrator.DefaultApprovalTimeout
	if h.cfg != nil && h.cfg.Approval.Timeout > 0 {
		timeout = h.cfg.Approval.Timeout
	}
	JSON(w, http.StatusOK, map[string]any{
		"agents":                   agent.Personas(),
		"default_agent":            agent.DefaultPersona,
		"approval_timeout_seconds": int64(timeout.Seconds()),
	})
}

// authorize resolves the session in the URL for the caller.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := chi.URLParam(r, "id")
	if !identity.ValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	if err := h.sessions.Authorize(sessionID, identity.UserIDFromContext(r.Context())); err != nil {
		writeErr(w, err)
		return "", false
	}
	return sessionID, true
}

// ListPending returns the session's proposals awaiting a decision.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	pending, err := h.orch.Pending(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to list pending proposals", "session_id", sessionID, "error", err)
		writeErr(w, err)
		return
	}
	if pending == nil {
		pending = []*domain.Proposal{}
	}
	JSON(w, http.StatusOK, map[string]any{"proposals": pending})
}

// Approve applies an approval-response. An approved proposal has executed
// by the time the response is written.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, valid := domain.ParseDecision(req.Decision)
	if !valid || req.ProposalID == "" {
		Error(w, http.StatusBadRequest, "proposalId and decision (approve|reject) are required")
		return
	}

	out, err := resolveInSession(r.Context(), h.orch, sessionID, req.ProposalID, decision)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to resolve proposal", "session_id", sessionID, "proposal_id", req.ProposalID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	h.sessions.Refresh(sessionID)
	JSON(w, http.StatusOK, out)
}

// resolveInSession applies a decision to a proposal of the given session.
// Proposals of other sessions are reported as not found.
func resolveInSession(ctx context.Context, orch *orchestrator.Orchestrator, sessionID, proposalID string, decision domain.Decision) (orchestrator.Outcome, error) {
	p, err := orch.Get(ctx, proposalID)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	if p.SessionID != sessionID {
		return orchestrator.Outcome{}, store.ErrNotFound
	}
	return orch.Resolve(ctx, proposalID, decision)
}

// GetProposal returns a proposal snapshot. Proposals of torn down sessions
// stay readable.
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	err = h.sessions.Authorize(p.SessionID, identity.UserIDFromContext(r.Context()))
	if errors.Is(err, session.ErrForbidden) {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, p)
}

// DeleteSession tears the session down: pending proposals are canceled,
// suspended turns resume and open channels close.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	lock, _ := teardownLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Teardown already in progress", "session_id", sessionID)
		JSON(w, http.StatusOK, map[string]string{"status": "closing"})
		return
	}
	defer func() {
		mutex.Unlock()
		teardownLocks.Delete(sessionID)
	}()

	canceled, err := h.orch.CancelSession(context.WithoutCancel(r.Context()), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.conns.Close(sessionID)

	JSON(w, http.StatusOK, map[string]any{
		"status":             "closed",
		"canceled_proposals": canceled,
	})
}
