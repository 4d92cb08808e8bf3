package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/tools"
)

type callStep struct {
	resp *llm.ChatResponse
	err  error
}

// scriptedCaller replays a fixed sequence of model responses. When the
// script runs out the last step repeats, which lets tests model a
// model that requests tools forever.
type scriptedCaller struct {
	mu    sync.Mutex
	steps []callStep
	calls int
}

func (c *scriptedCaller) AgentCall(_ context.Context, _ llm.CallRequest, _ stream.Sink) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	idx := c.calls - 1
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	return step.resp, step.err
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func echoTool(name string, log *[]string) tools.Func {
	return tools.Func{
		Def: llm.ToolDefinition{Name: name},
		Fn: func(_ context.Context, _ tools.Context, input map[string]any) (string, error) {
			*log = append(*log, name)
			return fmt.Sprintf("%s ok", name), nil
		},
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls:  calls,
		StopReason: llm.StopToolUse,
		Usage:      llm.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:    text,
		StopReason: llm.StopEndTurn,
		Usage:      llm.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestRunNaturalCompletion(t *testing.T) {
	caller := &scriptedCaller{steps: []callStep{
		{resp: textResponse("all done")},
	}}
	l := New(caller, tools.NewRegistry(nil), WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", out.Status, StatusCompleted)
	}
	if out.Output != "all done" {
		t.Errorf("output = %q", out.Output)
	}
	if out.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", out.Iterations)
	}
	if caller.calls != 1 {
		t.Errorf("model calls = %d, want 1", caller.calls)
	}
	// user input + assistant reply
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(out.Messages))
	}
	if out.Messages[0].Role != llm.RoleUser || out.Messages[0].Content != "hi" {
		t.Errorf("first message = %+v", out.Messages[0])
	}
}

func TestRunDispatchesToolsInRequestOrder(t *testing.T) {
	var order []string
	reg := tools.NewRegistry(nil)
	reg.Register(echoTool("alpha", &order))
	reg.Register(echoTool("beta", &order))
	reg.Register(echoTool("gamma", &order))

	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(
			llm.ToolCall{ID: "t1", Name: "gamma"},
			llm.ToolCall{ID: "t2", Name: "alpha"},
			llm.ToolCall{ID: "t3", Name: "beta"},
		)},
		{resp: textResponse("done")},
	}}
	l := New(caller, reg, WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"gamma", "alpha", "beta"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("execution[%d] = %s, want %s", i, order[i], name)
		}
	}

	// History: assistant(tool calls), 3 results in order, assistant(done).
	if len(out.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(out.Messages))
	}
	for i, wantID := range []string{"t1", "t2", "t3"} {
		msg := out.Messages[1+i]
		if msg.ToolResult == nil || msg.ToolResult.ToolUseID != wantID {
			t.Errorf("messages[%d] tool result = %+v, want id %s", 1+i, msg.ToolResult, wantID)
		}
	}
	if len(out.ToolCalls) != 3 {
		t.Fatalf("tool records = %d, want 3", len(out.ToolCalls))
	}
	for _, rec := range out.ToolCalls {
		if rec.Status != ToolComplete {
			t.Errorf("tool %s status = %s", rec.ToolName, rec.Status)
		}
	}
}

func TestRunStopsAtIterationCeiling(t *testing.T) {
	reg := tools.NewRegistry(nil)
	var order []string
	reg.Register(echoTool("ping", &order))

	// The script's only step repeats forever: the model always asks
	// for another tool round.
	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t", Name: "ping"})},
	}}
	l := New(caller, reg, WithSleep(noSleep))

	tests := []struct {
		name string
		max  int
	}{
		{"ceiling of one", 1},
		{"default ceiling", DefaultMaxIterations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller.calls = 0
			out, err := l.Run(context.Background(), Invocation{
				AgentID:       "a1",
				MaxIterations: tt.max,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Status != StatusMaxIterations {
				t.Errorf("status = %s, want %s", out.Status, StatusMaxIterations)
			}
			if out.Iterations != tt.max {
				t.Errorf("iterations = %d, want %d", out.Iterations, tt.max)
			}
			if caller.calls != tt.max {
				t.Errorf("model calls = %d, want %d", caller.calls, tt.max)
			}
		})
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	netErr := fault.New(fault.KindNetwork, "llm.chat", "connection reset")
	caller := &scriptedCaller{steps: []callStep{
		{err: netErr},
		{err: netErr},
		{resp: textResponse("recovered")},
	}}

	var slept []time.Duration
	l := New(caller, tools.NewRegistry(nil),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", out.Status, StatusCompleted)
	}
	if caller.calls != 3 {
		t.Errorf("model calls = %d, want 3", caller.calls)
	}
	if len(slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(slept))
	}
	for _, d := range slept {
		if d != DefaultRetryDelay {
			t.Errorf("sleep = %v, want %v", d, DefaultRetryDelay)
		}
	}
}

func TestRunEscalatesAfterRetryBudget(t *testing.T) {
	netErr := fault.New(fault.KindNetwork, "llm.chat", "timeout")
	caller := &scriptedCaller{steps: []callStep{{err: netErr}}}
	l := New(caller, tools.NewRegistry(nil), WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != StatusFailed {
		t.Errorf("status = %s, want %s", out.Status, StatusFailed)
	}
	// Initial attempt plus two immediate retries.
	if caller.calls != 3 {
		t.Errorf("model calls = %d, want 3", caller.calls)
	}
	if kind := fault.KindOf(err); kind != fault.KindNetwork {
		t.Errorf("kind = %s, want %s", kind, fault.KindNetwork)
	}
}

func TestRunDoesNotRetryNonTransientKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limit", fault.New(fault.KindRateLimit, "llm.chat", "429")},
		{"circuit open", fault.New(fault.KindCircuitOpen, "llm.chat", "open")},
		{"configuration", fault.New(fault.KindConfig, "llm.resolve", "no route")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &scriptedCaller{steps: []callStep{{err: tt.err}}}
			l := New(caller, tools.NewRegistry(nil), WithSleep(noSleep))

			out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want wrapped %v", err, tt.err)
			}
			if out.Status != StatusFailed {
				t.Errorf("status = %s", out.Status)
			}
			if caller.calls != 1 {
				t.Errorf("model calls = %d, want 1 (no retry)", caller.calls)
			}
		})
	}
}

func TestRunToolFailureFeedsBackToModel(t *testing.T) {
	reg := tools.NewRegistry(nil)
	reg.Register(tools.Func{
		Def: llm.ToolDefinition{Name: "flaky"},
		Fn: func(_ context.Context, _ tools.Context, _ map[string]any) (string, error) {
			return "", fmt.Errorf("upstream unavailable")
		},
	})

	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t1", Name: "flaky"})},
		{resp: textResponse("worked around it")},
	}}
	l := New(caller, reg, WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", out.Status, StatusCompleted)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Status != ToolFailed {
		t.Fatalf("tool records = %+v", out.ToolCalls)
	}
	// The failed call becomes an error-tagged result the model sees.
	result := out.Messages[1]
	if result.ToolResult == nil || !result.ToolResult.IsError {
		t.Errorf("expected error tool result, got %+v", result)
	}
}

func TestRunUnknownToolIsNotFatal(t *testing.T) {
	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t1", Name: "no_such_tool"})},
		{resp: textResponse("fine")},
	}}
	l := New(caller, tools.NewRegistry(nil), WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if out.ToolCalls[0].Status != ToolFailed {
		t.Errorf("unknown tool status = %s, want %s", out.ToolCalls[0].Status, ToolFailed)
	}
}

func TestRunCancelsBetweenIterations(t *testing.T) {
	reg := tools.NewRegistry(nil)
	var order []string
	reg.Register(echoTool("ping", &order))

	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t", Name: "ping"})},
	}}

	canceled := false
	l := New(caller, reg,
		WithSleep(noSleep),
		WithCancelCheck(func(_ context.Context) bool { return canceled }))

	// Flip the flag after the first model call by wrapping the tool.
	reg.Register(tools.Func{
		Def: llm.ToolDefinition{Name: "ping"},
		Fn: func(_ context.Context, _ tools.Context, _ map[string]any) (string, error) {
			canceled = true
			return "pong", nil
		},
	})

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusCanceled {
		t.Errorf("status = %s, want %s", out.Status, StatusCanceled)
	}
	// The in-flight iteration completes; the stop lands before the
	// second model call.
	if out.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", out.Iterations)
	}
	if caller.calls != 1 {
		t.Errorf("model calls = %d, want 1", caller.calls)
	}
}

type recordingHistory struct {
	mu      sync.Mutex
	entries []llm.Message
}

func (h *recordingHistory) AppendHistory(_ context.Context, _ string, entries []llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
	return nil
}

func TestRunPersistsHistoryIncrementally(t *testing.T) {
	reg := tools.NewRegistry(nil)
	var order []string
	reg.Register(echoTool("ping", &order))

	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t1", Name: "ping"})},
		{resp: textResponse("done")},
	}}
	hist := &recordingHistory{}
	l := New(caller, reg, WithSleep(noSleep), WithHistory(hist))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1", Input: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(hist.entries) != len(out.Messages) {
		t.Errorf("persisted %d entries, outcome has %d messages",
			len(hist.entries), len(out.Messages))
	}
}

func TestRunAccumulatesUsage(t *testing.T) {
	caller := &scriptedCaller{steps: []callStep{
		{resp: toolResponse(llm.ToolCall{ID: "t1", Name: "x"})},
		{resp: textResponse("done")},
	}}
	l := New(caller, tools.NewRegistry(nil), WithSleep(noSleep))

	out, err := l.Run(context.Background(), Invocation{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Usage.InputTokens != 20 || out.Usage.OutputTokens != 10 {
		t.Errorf("usage = %+v, want 20 in / 10 out", out.Usage)
	}
}
