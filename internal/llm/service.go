package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/health"
	"github.com/sidekick-labs/sidekick/internal/policy"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/telemetry"
)

// CostSink receives one cost record per completed call. Persistence is
// fire-and-forget; implementations must not block the call path.
type CostSink interface {
	RecordCost(ctx context.Context, provider Provider, model string, usage TokenUsage, cost float64, useCase UseCase)
}

// NoopCostSink discards cost records.
type NoopCostSink struct{}

// RecordCost implements CostSink.
func (NoopCostSink) RecordCost(context.Context, Provider, string, TokenUsage, float64, UseCase) {}

// CallRequest is the provider-agnostic request accepted by the service.
type CallRequest struct {
	UseCase     UseCase
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
}

// Service is the single LLM call surface. Every call resolves an
// adapter through the registry, passes the circuit breaker, and records
// success or failure plus cost exactly once, on both the streaming and
// non-streaming paths.
type Service struct {
	registry *Registry
	breaker  *health.Breaker
	costs    CostSink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCostSink sets the cost record destination.
func WithCostSink(cs CostSink) ServiceOption {
	return func(s *Service) { s.costs = cs }
}

// WithServiceMetrics attaches call metrics.
func WithServiceMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates the call surface over a registry and breaker.
func NewService(registry *Registry, breaker *health.Breaker, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		breaker:  breaker,
		costs:    NoopCostSink{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call performs a one-shot, non-streaming invocation.
func (s *Service) Call(ctx context.Context, req CallRequest) (*ChatResponse, error) {
	client, route, err := s.registry.Resolve(req.UseCase)
	if err != nil {
		return nil, err
	}

	// A circuit rejection is not a provider failure: it happens before
	// admission and must not feed back into the failure count.
	if err := s.breaker.Allow(ctx, string(route.Provider)); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Chat(cctx, ChatRequest{
		Model:       route.Model,
		Messages:    req.Messages,
		System:      req.System,
		Tools:       req.Tools,
		MaxTokens:   route.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.recordFailure(ctx, req.UseCase, route, start, err)
		return nil, err
	}
	s.recordSuccess(ctx, req.UseCase, route, start, resp.Usage)
	return resp, nil
}

// AgentCall performs a streaming invocation for the agent loop,
// translating provider deltas into UI events pushed to sink. Reasoning
// text always passes through; tool events are filtered by the per-turn
// surfacing policy, and the surfaced tool's arguments are emitted as a
// growing, always-valid object via incremental JSON completion.
//
// The returned response carries all tool calls regardless of what was
// surfaced: the policy gates display, not execution.
func (s *Service) AgentCall(ctx context.Context, req CallRequest, sink stream.Sink) (*ChatResponse, error) {
	if sink == nil {
		sink = stream.NoopSink{}
	}

	client, route, err := s.registry.Resolve(req.UseCase)
	if err != nil {
		return nil, err
	}

	if err := s.breaker.Allow(ctx, string(route.Provider)); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	start := time.Now()
	ch, err := client.ChatStream(cctx, ChatRequest{
		Model:       route.Model,
		Messages:    req.Messages,
		System:      req.System,
		Tools:       req.Tools,
		MaxTokens:   route.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.recordFailure(ctx, req.UseCase, route, start, err)
		return nil, err
	}

	pol := policy.NewTurnPolicy()
	var surfacedArgs *Completer
	var surfacedName string
	var final *ChatResponse
	var streamErr error

	// Deltas are processed strictly in arrival order.
	for ev := range ch {
		switch ev.Type {
		case DeltaText:
			sink.Push(stream.Think(ev.Text))

		case DeltaToolStart:
			if pol.ConsiderToolStart(ev.ToolCall.Name, ev.ToolCall.ID) {
				surfacedArgs = &Completer{}
				surfacedName = ev.ToolCall.Name
				sink.Push(stream.ToolStart(ev.ToolCall.ID, ev.ToolCall.Name))
			}

		case DeltaToolArgChunk:
			if id, ok := pol.SelectedID(); !ok || id != ev.ToolCall.ID {
				continue
			}
			surfacedArgs.Append(ev.Partial)
			if obj, ok := surfacedArgs.Object(); ok {
				sink.Push(stream.ToolArgument(ev.ToolCall.ID, surfacedName, obj))
			} else {
				// Invalid incremental output is a defined failure mode:
				// logged and skipped, never aborts the call.
				s.logger.Warn("skipping unparseable tool argument fragment",
					"tool", surfacedName, "id", ev.ToolCall.ID)
			}

		case DeltaToolComplete:
			if pol.ConsiderToolComplete(ev.ToolCall.Name, ev.ToolCall.ID) {
				sink.Push(stream.ToolComplete(ev.ToolCall.ID, ev.ToolCall.Name))
			}

		case DeltaUsage:
			final = ev.Response

		case DeltaError:
			streamErr = ev.Error
		}
	}

	if streamErr != nil {
		s.recordFailure(ctx, req.UseCase, route, start, streamErr)
		return nil, streamErr
	}
	if final == nil {
		err := fault.New(fault.KindMalformed, "llm.service", "stream ended without a terminal usage delta")
		s.recordFailure(ctx, req.UseCase, route, start, err)
		return nil, err
	}

	s.recordSuccess(ctx, req.UseCase, route, start, final.Usage)
	return final, nil
}

func (s *Service) recordSuccess(ctx context.Context, useCase UseCase, route Route, start time.Time, usage TokenUsage) {
	provider := string(route.Provider)
	s.breaker.RecordSuccess(ctx, provider)
	s.metrics.RecordLLMCall(provider, route.Model, "success", time.Since(start))
	s.metrics.RecordTokens(provider, usage.InputTokens, usage.OutputTokens, usage.CacheRead, usage.CacheWrite)

	// Cost is rounded exactly once, here, at the point of persistence.
	cost := RoundCost(route.Rates.Cost(usage))
	s.metrics.RecordCost(provider, route.Model, cost)
	s.costs.RecordCost(ctx, route.Provider, route.Model, usage, cost, useCase)
}

func (s *Service) recordFailure(ctx context.Context, useCase UseCase, route Route, start time.Time, err error) {
	provider := string(route.Provider)
	s.breaker.RecordFailure(ctx, provider)
	s.metrics.RecordLLMCall(provider, route.Model, "error", time.Since(start))
	s.logger.Warn("llm call failed",
		"provider", provider,
		"model", route.Model,
		"use_case", string(useCase),
		"kind", string(fault.KindOf(err)),
		"error", err)
}
