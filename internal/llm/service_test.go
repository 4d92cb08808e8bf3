package llm

import (
	"context"
	"testing"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/health"
	"github.com/sidekick-labs/sidekick/internal/stream"
)

type costRecord struct {
	provider Provider
	model    string
	usage    TokenUsage
	cost     float64
	useCase  UseCase
}

type recordingCostSink struct {
	records []costRecord
}

func (r *recordingCostSink) RecordCost(_ context.Context, provider Provider, model string, usage TokenUsage, cost float64, useCase UseCase) {
	r.records = append(r.records, costRecord{provider, model, usage, cost, useCase})
}

func newTestService(t *testing.T, mock *MockClient, opts ...ServiceOption) (*Service, *health.Breaker) {
	t.Helper()
	reg, err := NewRegistry(map[UseCase]Route{
		UseCaseAgentTurn: {
			Provider: ProviderMock,
			Model:    "test-model",
			Rates:    Rates{InputPerMTok: 3, OutputPerMTok: 15},
		},
	}, WithClient(ProviderMock, mock))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	breaker := health.NewBreaker(health.NewMemoryStore(0), nil)
	return NewService(reg, breaker, opts...), breaker
}

func TestServiceCallRecordsCostOnce(t *testing.T) {
	mock := NewMockClient(MockResponse{
		Content:    "hello",
		StopReason: StopEndTurn,
		Usage:      TokenUsage{InputTokens: 1000, OutputTokens: 500},
	})
	sink := &recordingCostSink{}
	svc, _ := newTestService(t, mock, WithCostSink(sink))

	resp, err := svc.Call(context.Background(), CallRequest{UseCase: UseCaseAgentTurn})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
	if len(sink.records) != 1 {
		t.Fatalf("cost records = %d, want exactly 1", len(sink.records))
	}
	if sink.records[0].cost != 0.0105 {
		t.Errorf("cost = %v, want 0.0105", sink.records[0].cost)
	}
}

func TestServiceCircuitOpenFailsFast(t *testing.T) {
	mock := NewMockClient(MockResponse{Content: "never reached"})
	svc, breaker := newTestService(t, mock)
	ctx := context.Background()

	for i := 0; i < health.DefaultFailureThreshold; i++ {
		breaker.RecordFailure(ctx, string(ProviderMock))
	}

	_, err := svc.Call(ctx, CallRequest{UseCase: UseCaseAgentTurn})
	if err == nil {
		t.Fatal("Call() with open circuit should fail")
	}
	if fault.KindOf(err) != fault.KindCircuitOpen {
		t.Errorf("error kind = %q, want %q", fault.KindOf(err), fault.KindCircuitOpen)
	}
	if calls := mock.Calls(); len(calls) != 0 {
		t.Errorf("provider called %d times behind an open circuit, want 0", len(calls))
	}
}

func TestServiceCallFailureFeedsBreaker(t *testing.T) {
	mock := NewMockClient(MockResponse{Error: fault.New(fault.KindNetwork, "test", "timeout")})
	sink := &recordingCostSink{}
	svc, breaker := newTestService(t, mock, WithCostSink(sink))
	ctx := context.Background()

	if _, err := svc.Call(ctx, CallRequest{UseCase: UseCaseAgentTurn}); err == nil {
		t.Fatal("Call() should propagate the provider error")
	}
	rec, ok, _ := breaker.Record(ctx, string(ProviderMock))
	if !ok || rec.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %+v, want 1", rec)
	}
	if len(sink.records) != 0 {
		t.Errorf("failed call produced %d cost records, want 0", len(sink.records))
	}
}

func TestAgentCallPolicyFiltersToolEvents(t *testing.T) {
	mock := NewMockClient(MockResponse{
		Content: "Let me look that up.",
		ToolCalls: []ToolCall{
			{ID: "A", Name: "web_search", Input: map[string]any{"query": "hiking trails"}},
			{ID: "B", Name: "create_note", Input: map[string]any{"text": "remember"}},
		},
		StopReason: StopToolUse,
		Usage:      TokenUsage{InputTokens: 10, OutputTokens: 20},
	})
	svc, _ := newTestService(t, mock)
	collector := &stream.Collector{}

	resp, err := svc.AgentCall(context.Background(), CallRequest{UseCase: UseCaseAgentTurn}, collector)
	if err != nil {
		t.Fatalf("AgentCall() error: %v", err)
	}

	// All tool calls are returned for execution.
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("resp.ToolCalls = %d, want 2: policy gates display, not execution", len(resp.ToolCalls))
	}

	// Reasoning text always passes through.
	if thinks := collector.ByType(stream.EventThink); len(thinks) == 0 {
		t.Error("no think events forwarded")
	}

	// Only the first tool call surfaces.
	starts := collector.ByType(stream.EventToolStart)
	if len(starts) != 1 || starts[0].Data["id"] != "A" {
		t.Errorf("tool_start events = %v, want exactly one for id A", starts)
	}
	completes := collector.ByType(stream.EventToolComplete)
	if len(completes) != 1 || completes[0].Data["id"] != "A" {
		t.Errorf("tool_complete events = %v, want exactly one for id A", completes)
	}
}

func TestAgentCallStreamsGrowingArguments(t *testing.T) {
	mock := NewMockClient(MockResponse{
		ToolCalls: []ToolCall{
			{ID: "A", Name: "create_note", Input: map[string]any{"text": "Hello"}},
		},
		ArgFragments: []string{`{"te`, `xt": "Hel`, `lo"}`},
		StopReason:   StopToolUse,
		Usage:        TokenUsage{InputTokens: 5, OutputTokens: 5},
	})
	svc, _ := newTestService(t, mock)
	collector := &stream.Collector{}

	if _, err := svc.AgentCall(context.Background(), CallRequest{UseCase: UseCaseAgentTurn}, collector); err != nil {
		t.Fatalf("AgentCall() error: %v", err)
	}

	args := collector.ByType(stream.EventToolArgument)
	if len(args) != 3 {
		t.Fatalf("tool_argument_stream events = %d, want 3", len(args))
	}
	wantText := []string{"", "Hel", "Hello"}
	for i, ev := range args {
		obj, _ := ev.Data["arguments"].(map[string]any)
		text, _ := obj["text"].(string)
		if text != wantText[i] {
			t.Errorf("argument event %d: text = %q, want %q", i, text, wantText[i])
		}
	}
}

func TestAgentCallSuccessBookkeeping(t *testing.T) {
	mock := NewMockClient(MockResponse{
		Content:    "done",
		StopReason: StopEndTurn,
		Usage:      TokenUsage{InputTokens: 100, OutputTokens: 50},
	})
	sink := &recordingCostSink{}
	svc, breaker := newTestService(t, mock, WithCostSink(sink))
	ctx := context.Background()

	breaker.RecordFailure(ctx, string(ProviderMock))

	if _, err := svc.AgentCall(ctx, CallRequest{UseCase: UseCaseAgentTurn}, nil); err != nil {
		t.Fatalf("AgentCall() error: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("cost records = %d, want exactly 1", len(sink.records))
	}
	rec, _, _ := breaker.Record(ctx, string(ProviderMock))
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("success did not reset failure streak: %+v", rec)
	}
}
