// Package loop implements the ReAct think/act iteration at the heart
// of an agent run: call the model, execute requested tools in order,
// append results to history, repeat until completion or limits.
package loop

import (
	"context"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/tools"
)

// Status is the terminal state of a loop run. Natural completion and
// the iteration ceiling are distinct: downstream archiving records
// whether the session finished autonomously or was truncated.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusMaxIterations Status = "max_iterations"
	StatusCanceled      Status = "canceled"
	StatusFailed        Status = "failed"
)

// ToolCallStatus tracks a dispatched tool call's lifecycle.
type ToolCallStatus string

const (
	ToolPending   ToolCallStatus = "pending"
	ToolExecuting ToolCallStatus = "executing"
	ToolComplete  ToolCallStatus = "complete"
	ToolFailed    ToolCallStatus = "failed"
)

// ToolCallRecord is an audit record of a single tool invocation.
type ToolCallRecord struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Output   string         `json:"output"`
	Status   ToolCallStatus `json:"status"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// Invocation is a single agent run request.
type Invocation struct {
	AgentID       string               `json:"agent_id"`
	System        string               `json:"system"`
	Input         string               `json:"input,omitempty"`
	Messages      []llm.Message        `json:"messages,omitempty"`
	Tools         []llm.ToolDefinition `json:"tools,omitempty"`
	ToolContext   tools.Context        `json:"tool_context"`
	UseCase       llm.UseCase          `json:"use_case,omitempty"`
	MaxIterations int                  `json:"max_iterations,omitempty"`
}

// Outcome is the result of a loop run. Err is set only when Status is
// StatusFailed; its fault kind drives the delayed retry tier.
type Outcome struct {
	Status     Status           `json:"status"`
	Output     string           `json:"output"`
	Messages   []llm.Message    `json:"messages"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage      llm.TokenUsage   `json:"usage"`
	Iterations int              `json:"iterations"`
	Duration   time.Duration    `json:"duration"`
	Err        error            `json:"-"`
}

// Caller is the LLM call surface the loop iterates against.
type Caller interface {
	AgentCall(ctx context.Context, req llm.CallRequest, sink stream.Sink) (*llm.ChatResponse, error)
}

// Dispatcher executes a single tool call. Implementations never return
// an error: dispatch failures become error-tagged results so the model
// can self-correct on the next iteration.
type Dispatcher interface {
	Dispatch(ctx context.Context, call llm.ToolCall, tc tools.Context) llm.ToolResult
}

// HistoryAppender persists history entries as they are produced, in
// append order.
type HistoryAppender interface {
	AppendHistory(ctx context.Context, agentID string, entries []llm.Message) error
}

// CancelCheck reports whether a cooperative stop was requested. It is
// consulted between iterations only; in-flight provider calls complete.
type CancelCheck func(ctx context.Context) bool
