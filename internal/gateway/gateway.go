// Package gateway runs approved proposals against their tool handlers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/store"
)

// DefaultTimeout bounds a single tool invocation when none is configured.
const DefaultTimeout = 30 * time.Second

// Handler is one tool implementation.
type Handler interface {
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register tool: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register tool: %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for a tool.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gateway is the only path into tool execution.
type Gateway struct {
	store    store.ProposalStore
	handlers *Registry
	timeout  time.Duration
}

// New creates a gateway. A non-positive timeout uses DefaultTimeout.
func New(st store.ProposalStore, handlers *Registry, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{store: st, handlers: handlers, timeout: timeout}
}

type invocation struct {
	out json.RawMessage
	err error
}

var errPanic = errors.New("tool panicked")

// Execute moves an approved proposal into executing, runs its handler once
// and records the outcome. It returns store.ErrConflict when the proposal is
// not in an approved state, which includes a concurrent Execute having won.
func (g *Gateway) Execute(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != domain.StateApproved && p.State != domain.StateAutoApproved {
		return nil, store.ErrConflict
	}
	if _, err := g.store.Transition(ctx, id, p.State, domain.StateExecuting, store.Payload{}); err != nil {
		return nil, err
	}

	// Recording the outcome must not be skipped because the caller went away.
	finishCtx := context.WithoutCancel(ctx)

	handler, ok := g.handlers.Lookup(p.ToolName)
	if !ok {
		return g.fail(finishCtx, id, domain.ReasonUnknownTool, fmt.Sprintf("no handler registered for %q", p.ToolName))
	}

	start := time.Now()
	out, err := g.invoke(ctx, handler, p.Arguments)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, errPanic):
		slog.Error("Tool panicked", "proposal_id", id, "tool", p.ToolName, "error", err)
		return g.fail(finishCtx, id, domain.ReasonToolPanic, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Tool timed out", "proposal_id", id, "tool", p.ToolName, "timeout", g.timeout)
		return g.fail(finishCtx, id, domain.ReasonToolTimeout, fmt.Sprintf("tool did not finish within %s", g.timeout))
	case err != nil:
		slog.Warn("Tool failed", "proposal_id", id, "tool", p.ToolName, "error", err)
		return g.fail(finishCtx, id, domain.ReasonToolError, err.Error())
	}

	if out == nil {
		out = json.RawMessage("null")
	}
	if !json.Valid(out) {
		return g.fail(finishCtx, id, domain.ReasonMalformedOutput, "tool returned invalid JSON")
	}

	done, err := g.store.Transition(finishCtx, id, domain.StateExecuting, domain.StateCompleted, store.Payload{Result: out})
	if err != nil {
		return nil, fmt.Errorf("record tool result: %w", err)
	}
	slog.Info("Tool completed", "proposal_id", id, "tool", p.ToolName, "duration", elapsed)
	return done, nil
}

// invoke runs the handler under the gateway timeout. A handler that ignores
// its context is abandoned once the deadline passes.
func (g *Gateway) invoke(ctx context.Context, h Handler, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ch := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Debug("Recovered tool panic", "stack", string(debug.Stack()))
				ch <- invocation{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()
		out, err := h.Invoke(ctx, args)
		ch <- invocation{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) fail(ctx context.Context, id, reason, message string) (*domain.Proposal, error) {
	p, err := g.store.Transition(ctx, id, domain.StateExecuting, domain.StateFailed, store.Payload{
		Failure: &domain.FailureReason{Reason: reason, Message: message},
	})
	if err != nil {
		return nil, fmt.Errorf("record tool failure: %w", err)
	}
	return p, nil
}
