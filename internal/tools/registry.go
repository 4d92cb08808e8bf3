// Package tools implements the tool registry the agent loop dispatches
// against, plus the built-in HTTP and MCP-backed tool implementations.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// Context carries per-run identifiers into tool executions.
type Context struct {
	AgentID       string `json:"agent_id"`
	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
}

// Tool is a single executable capability exposed to the model.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, tc Context, input map[string]any) (string, error)
}

// Registry holds registered tools and dispatches calls to them.
// Dispatch never returns a Go error: failures become error-tagged
// results so the model can observe and correct them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. Re-registering a name replaces the previous
// tool but keeps its original position in Definitions.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Dispatch executes one tool call. Unknown tools, execution errors,
// and panics all come back as IsError results.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, tc Context) (result llm.ToolResult) {
	result.ToolUseID = call.ID

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", call.Name,
				"correlation_id", tc.CorrelationID,
				"panic", rec)
			result.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, rec)
			result.IsError = true
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Content = fmt.Sprintf("tool %q is not available", call.Name)
		result.IsError = true
		return result
	}

	start := time.Now()
	output, err := tool.Execute(ctx, tc, call.Input)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool", call.Name,
			"correlation_id", tc.CorrelationID,
			"duration", time.Since(start),
			"error", err)
		result.Content = err.Error()
		result.IsError = true
		return result
	}

	result.Content = output
	return result
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def llm.ToolDefinition
	Fn  func(ctx context.Context, tc Context, input map[string]any) (string, error)
}

func (f Func) Definition() llm.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, tc Context, input map[string]any) (string, error) {
	return f.Fn(ctx, tc, input)
}
