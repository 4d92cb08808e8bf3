// Package llm defines the provider-agnostic LLM call surface for the
// sidekick agent core: message types, streaming deltas, provider
// adapters, use-case routing, and the service wrapper that applies
// circuit breaking and cost accounting.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
)

// Message represents a single history entry. Entries are immutable once
// appended; a tool result is carried on a user-role message tagged with
// the tool_use id it answers.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall represents the model requesting a tool invocation.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the outcome of a tool invocation sent back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TokenUsage tracks token consumption for a single call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}

// ChatRequest contains parameters for a provider call.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse contains the model's reply.
type ChatResponse struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// DeltaType identifies a streaming delta. Deltas arrive as a finite,
// non-restartable sequence and must be consumed in order.
type DeltaType string

const (
	// DeltaText is an incremental chunk of assistant text.
	DeltaText DeltaType = "text"
	// DeltaToolStart announces a tool_use block (id and name known,
	// arguments still streaming).
	DeltaToolStart DeltaType = "tool_start"
	// DeltaToolArgChunk carries a partial JSON fragment of the tool
	// arguments for an in-progress tool_use block.
	DeltaToolArgChunk DeltaType = "tool_arg_chunk"
	// DeltaToolComplete marks a tool_use block as fully received.
	DeltaToolComplete DeltaType = "tool_complete"
	// DeltaUsage terminates the sequence and carries the assembled
	// response with final token usage.
	DeltaUsage DeltaType = "usage"
	// DeltaError terminates the sequence with a stream failure.
	DeltaError DeltaType = "error"
)

// StreamEvent is one delta in a streaming provider response.
type StreamEvent struct {
	Type DeltaType `json:"type"`

	// Text carries the chunk for DeltaText.
	Text string `json:"text,omitempty"`

	// ToolCall identifies the block for tool deltas. Input is only
	// populated on DeltaToolComplete.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Partial is the raw JSON fragment for DeltaToolArgChunk.
	Partial string `json:"partial,omitempty"`

	// Response is the assembled result, set on DeltaUsage.
	Response *ChatResponse `json:"response,omitempty"`

	// Error is set on DeltaError.
	Error error `json:"-"`
}

// Client is the adapter interface implemented once per provider.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a request and returns the ordered delta sequence.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
