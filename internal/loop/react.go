package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/telemetry"
	"github.com/sidekick-labs/sidekick/internal/tools"
)

const (
	// DefaultMaxIterations bounds a single run.
	DefaultMaxIterations = 50
	// DefaultImmediateRetries is the number of immediate same-run
	// retries after a transient provider failure.
	DefaultImmediateRetries = 2
	// DefaultRetryDelay is the fixed pause between immediate retries.
	DefaultRetryDelay = 1500 * time.Millisecond
)

// Loop drives the ReAct iteration for one agent.
type Loop struct {
	caller     Caller
	dispatcher Dispatcher
	sink       stream.Sink
	history    HistoryAppender
	cancel     CancelCheck
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	retries    int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Loop.
type Option func(*Loop)

// WithSink routes UI events (thinking text, tool progress) to sink.
func WithSink(s stream.Sink) Option {
	return func(l *Loop) { l.sink = s }
}

// WithHistory persists history entries as the run produces them.
func WithHistory(h HistoryAppender) Option {
	return func(l *Loop) { l.history = h }
}

// WithCancelCheck installs a cooperative cancellation probe.
func WithCancelCheck(c CancelCheck) Option {
	return func(l *Loop) { l.cancel = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.logger = log }
}

// WithMetrics wires retry counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithRetry overrides the immediate retry count and delay.
func WithRetry(count int, delay time.Duration) Option {
	return func(l *Loop) {
		l.retries = count
		l.retryDelay = delay
	}
}

// WithSleep overrides the retry sleep. Tests use this to avoid real
// delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

// New constructs a Loop over the given model caller and tool
// dispatcher.
func New(caller Caller, dispatcher Dispatcher, opts ...Option) *Loop {
	l := &Loop{
		caller:     caller,
		dispatcher: dispatcher,
		sink:       stream.NoopSink{},
		logger:     slog.Default(),
		retries:    DefaultImmediateRetries,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the ReAct loop until the model stops requesting tools,
// the iteration ceiling is reached, a cooperative cancel is observed,
// or a non-retryable failure escalates. The returned Outcome is always
// non-nil; err mirrors Outcome.Err on failure.
func (l *Loop) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	start := time.Now()
	maxIter := inv.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	useCase := inv.UseCase
	if useCase == "" {
		useCase = llm.UseCaseAgentTurn
	}

	messages := make([]llm.Message, 0, len(inv.Messages)+4)
	messages = append(messages, inv.Messages...)
	out := &Outcome{Status: StatusFailed}

	if inv.Input != "" {
		user := llm.Message{Role: llm.RoleUser, Content: inv.Input}
		messages = append(messages, user)
		l.persist(ctx, inv.AgentID, user)
	}

	finish := func(status Status, err error) (*Outcome, error) {
		out.Status = status
		out.Err = err
		out.Messages = messages
		out.Duration = time.Since(start)
		return out, err
	}

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return finish(StatusCanceled, nil)
		}
		if iter > 1 && l.cancel != nil && l.cancel(ctx) {
			l.logger.Info("run canceled between iterations",
				"agent_id", inv.AgentID, "iteration", iter)
			return finish(StatusCanceled, nil)
		}
		out.Iterations = iter

		resp, err := l.callWithRetry(ctx, llm.CallRequest{
			UseCase:  useCase,
			System:   inv.System,
			Messages: messages,
			Tools:    inv.Tools,
		})
		if err != nil {
			l.logger.Error("model call failed",
				"agent_id", inv.AgentID,
				"iteration", iter,
				"kind", string(fault.KindOf(err)),
				"error", err)
			return finish(StatusFailed, err)
		}

		out.Usage.Add(resp.Usage)
		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		l.persist(ctx, inv.AgentID, assistant)
		if resp.Content != "" {
			out.Output = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			return finish(StatusCompleted, nil)
		}

		// Tools execute sequentially in the order the model
		// requested them; each result is appended before the
		// next call runs.
		for _, call := range resp.ToolCalls {
			rec := l.execute(ctx, call, inv.ToolContext)
			out.ToolCalls = append(out.ToolCalls, rec)
			result := llm.Message{
				Role: llm.RoleUser,
				ToolResult: &llm.ToolResult{
					ToolUseID: call.ID,
					Content:   rec.Output,
					IsError:   rec.Status == ToolFailed,
				},
			}
			messages = append(messages, result)
			l.persist(ctx, inv.AgentID, result)
		}
	}

	l.logger.Warn("iteration ceiling reached",
		"agent_id", inv.AgentID, "max_iterations", maxIter)
	return finish(StatusMaxIterations, nil)
}

// callWithRetry performs the immediate retry tier: transient failures
// (network, malformed response) retry up to l.retries times with a
// fixed delay; every other kind escalates on first occurrence.
func (l *Loop) callWithRetry(ctx context.Context, req llm.CallRequest) (*llm.ChatResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := l.caller.AgentCall(ctx, req, l.sink)
		if err == nil {
			return resp, nil
		}
		kind := fault.KindOf(err)
		if !fault.TransientForLoop(kind) || attempt >= l.retries {
			return nil, err
		}
		l.metrics.RecordRetry("immediate", string(kind))
		l.logger.Warn("transient model failure, retrying",
			"kind", string(kind),
			"attempt", attempt+1,
			"delay", l.retryDelay,
			"error", err)
		if serr := l.sleep(ctx, l.retryDelay); serr != nil {
			return nil, err
		}
	}
}

func (l *Loop) execute(ctx context.Context, call llm.ToolCall, tc tools.Context) ToolCallRecord {
	rec := ToolCallRecord{
		ID:       call.ID,
		ToolName: call.Name,
		Input:    call.Input,
		Status:   ToolExecuting,
	}
	start := time.Now()
	result := l.dispatcher.Dispatch(ctx, call, tc)
	rec.Duration = time.Since(start)
	rec.Output = result.Content
	if result.IsError {
		rec.Status = ToolFailed
		rec.Error = result.Content
	} else {
		rec.Status = ToolComplete
	}
	return rec
}

// persist appends one entry via the configured history appender.
// Persistence failures are logged, never fatal: the in-memory run is
// authoritative for the duration of the loop.
func (l *Loop) persist(ctx context.Context, agentID string, entry llm.Message) {
	if l.history == nil {
		return
	}
	if err := l.history.AppendHistory(ctx, agentID, []llm.Message{entry}); err != nil {
		l.logger.Warn("history append failed",
			"agent_id", agentID, "error", err)
	}
}
