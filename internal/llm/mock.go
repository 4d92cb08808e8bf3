package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error

	// ArgFragments, when set, overrides how the first tool call's
	// arguments are streamed: each element becomes one raw
	// tool_arg_chunk delta. When empty, arguments stream as a single
	// fragment per tool call.
	ArgFragments []string
}

// MockClient is a configurable mock LLM client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response
// repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Chat returns the next configured response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content:    resp.Content,
		ToolCalls:  resp.ToolCalls,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}, nil
}

// ChatStream returns the delta sequence for the next configured
// response.
func (m *MockClient) ChatStream(_ context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 32)
	go func() {
		defer close(ch)

		if resp.Content != "" {
			ch <- StreamEvent{Type: DeltaText, Text: resp.Content}
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			started := &ToolCall{ID: tc.ID, Name: tc.Name}
			ch <- StreamEvent{Type: DeltaToolStart, ToolCall: started}

			if i == 0 && len(resp.ArgFragments) > 0 {
				for _, frag := range resp.ArgFragments {
					ch <- StreamEvent{Type: DeltaToolArgChunk, ToolCall: started, Partial: frag}
				}
			} else if len(tc.Input) > 0 {
				raw, _ := json.Marshal(tc.Input)
				ch <- StreamEvent{Type: DeltaToolArgChunk, ToolCall: started, Partial: string(raw)}
			}

			ch <- StreamEvent{Type: DeltaToolComplete, ToolCall: &tc}
		}

		ch <- StreamEvent{Type: DeltaUsage, Response: &ChatResponse{
			Content:    resp.Content,
			ToolCalls:  resp.ToolCalls,
			StopReason: resp.StopReason,
			Usage:      resp.Usage,
		}}
	}()

	return ch, nil
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}

	resp := m.responses[idx]
	if resp.Error != nil {
		return MockResponse{}, resp.Error
	}
	return resp, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
