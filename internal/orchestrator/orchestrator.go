// Package orchestrator wraps the agent loop with the execution lock,
// delayed-tier retry scheduling, and session archiving.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/sidekick-labs/sidekick/internal/archive"
	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/loop"
	"github.com/sidekick-labs/sidekick/internal/scheduler"
	"github.com/sidekick-labs/sidekick/internal/state"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/telemetry"
	"github.com/sidekick-labs/sidekick/internal/tools"
	"github.com/sidekick-labs/sidekick/internal/util"
)

// DefaultLockTTL is the staleness ceiling after which a held lock is
// treated as abandoned by a crashed run.
const DefaultLockTTL = 30 * time.Minute

// Trigger starts (or retries) an agent run.
type Trigger struct {
	AgentID string `json:"agent_id"`
	Input   string `json:"input,omitempty"`
	Source  string `json:"source,omitempty"`
}

// RunResult reports what a trigger did.
type RunResult struct {
	AlreadyRunning bool          `json:"already_running,omitempty"`
	Outcome        *loop.Outcome `json:"outcome,omitempty"`
	ArchiveID      string        `json:"archive_id,omitempty"`
}

// Summarizer produces the archive summary. Best effort: failures leave
// the summary empty but never block archiving.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// Orchestrator coordinates agent runs over shared state.
type Orchestrator struct {
	store    state.Store
	archives archive.Store
	caller   loop.Caller
	registry *tools.Registry
	sched    scheduler.Scheduler
	summ     Summarizer
	sink     stream.Sink
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	holder        string
	system        string
	maxIterations int
	lockTTL       time.Duration
	retry         RetryPolicy
	loopOpts      []loop.Option
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchive stores completed sessions.
func WithArchive(a archive.Store) Option {
	return func(o *Orchestrator) { o.archives = a }
}

// WithSummarizer generates archive summaries.
func WithSummarizer(s Summarizer) Option {
	return func(o *Orchestrator) { o.summ = s }
}

// WithSink receives UI stream events from runs.
func WithSink(s stream.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithSystemPrompt sets the agent system prompt.
func WithSystemPrompt(system string) Option {
	return func(o *Orchestrator) { o.system = system }
}

// WithMaxIterations caps loop iterations per run.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) { o.maxIterations = n }
}

// WithLockTTL overrides the stale-lock ceiling.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.lockTTL = ttl }
}

// WithRetryPolicy overrides the delayed-tier retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = log }
}

// WithMetrics wires run and lock counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLoopOptions passes extra options to each per-run loop, e.g.
// custom immediate-retry settings.
func WithLoopOptions(opts ...loop.Option) Option {
	return func(o *Orchestrator) { o.loopOpts = opts }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an Orchestrator. holder identifies this process in
// lock records.
func New(store state.Store, caller loop.Caller, registry *tools.Registry,
	sched scheduler.Scheduler, holder string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		archives:      archive.NoopStore{},
		caller:        caller,
		registry:      registry,
		sched:         sched,
		sink:          stream.NoopSink{},
		logger:        slog.Default(),
		holder:        holder,
		maxIterations: loop.DefaultMaxIterations,
		lockTTL:       DefaultLockTTL,
		retry:         DefaultRetryPolicy(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one agent turn under the execution lock. A trigger for
// an agent whose lock is held and unexpired is a no-op reporting
// AlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (*RunResult, error) {
	runID := util.NewID()
	log := o.logger.With(
		"agent_id", trigger.AgentID,
		"run_id", runID,
		"source", trigger.Source)

	lock := &state.LockInfo{Holder: o.holder + "/" + runID, AcquiredAt: o.now()}
	claimed, err := o.claim(ctx, trigger.AgentID, lock, log)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Info("agent already running, trigger ignored")
		o.metrics.RecordLockDenied()
		return &RunResult{AlreadyRunning: true}, nil
	}

	started := o.now()

	// A fresh run starts with a clean cancel flag.
	if _, err := o.store.UpdateState(ctx, trigger.AgentID, func(rt *state.Runtime) {
		rt.CancelRequested = false
	}); err != nil {
		o.release(ctx, trigger.AgentID, lock, log)
		return nil, err
	}

	history, err := o.store.History(ctx, trigger.AgentID)
	if err != nil {
		o.release(ctx, trigger.AgentID, lock, log)
		return nil, err
	}

	runSink := stream.Tagged(o.sink, map[string]any{
		"agent_id": trigger.AgentID,
		"run_id":   runID,
	})
	loopOpts := []loop.Option{
		loop.WithSink(runSink),
		loop.WithHistory(o.store),
		loop.WithLogger(log),
		loop.WithMetrics(o.metrics),
		loop.WithCancelCheck(func(ctx context.Context) bool {
			rt, err := o.store.LoadState(ctx, trigger.AgentID)
			if err != nil {
				// Unreadable state never aborts a healthy run.
				return false
			}
			return rt.CancelRequested
		}),
	}
	loopOpts = append(loopOpts, o.loopOpts...)
	run := loop.New(o.caller, o.registry, loopOpts...)

	outcome, runErr := run.Run(ctx, loop.Invocation{
		AgentID:       trigger.AgentID,
		System:        o.system,
		Input:         trigger.Input,
		Messages:      history,
		Tools:         o.registry.Definitions(),
		MaxIterations: o.maxIterations,
		ToolContext: tools.Context{
			AgentID:       trigger.AgentID,
			RunID:         runID,
			CorrelationID: runID,
		},
	})

	result := &RunResult{Outcome: outcome}
	o.metrics.RecordRun(string(outcome.Status))
	log.Info("run finished",
		"status", string(outcome.Status),
		"iterations", outcome.Iterations,
		"duration", outcome.Duration)

	if runErr != nil {
		// Release before scheduling: the retry must be able to
		// re-claim.
		o.release(ctx, trigger.AgentID, lock, log)
		o.handleFailure(ctx, trigger, runErr, log)
		return result, nil
	}

	result.ArchiveID = o.finishRun(ctx, trigger.AgentID, started, outcome, log)
	o.release(ctx, trigger.AgentID, lock, log)
	return result, nil
}

// claim acquires the agent lock, stealing it if the current holder's
// lock has gone stale.
func (o *Orchestrator) claim(ctx context.Context, agentID string, lock *state.LockInfo, log *slog.Logger) (bool, error) {
	ok, err := o.store.CASLock(ctx, agentID, nil, lock)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	rt, err := o.store.LoadState(ctx, agentID)
	if err != nil {
		return false, err
	}
	if !rt.Lock.Stale(o.now(), o.lockTTL) {
		return false, nil
	}

	// The previous run crashed without releasing. Steal its lock.
	ok, err = o.store.CASLock(ctx, agentID, rt.Lock, lock)
	if err != nil {
		return false, err
	}
	if ok {
		log.Warn("stole stale lock",
			"previous_holder", rt.Lock.Holder,
			"held_since", rt.Lock.AcquiredAt)
	}
	return ok, nil
}

// release gives the lock back, but only if we still own it: a sweep
// may have preempted a long run.
func (o *Orchestrator) release(ctx context.Context, agentID string, lock *state.LockInfo, log *slog.Logger) {
	ok, err := o.store.CASLock(ctx, agentID, lock, nil)
	if err != nil {
		log.Error("lock release failed", "error", err)
		return
	}
	if !ok {
		log.Warn("lock preempted during run, skipping release")
	}
}

// finishRun archives the session and clears working state after a
// terminal (non-failed) outcome.
func (o *Orchestrator) finishRun(ctx context.Context, agentID string, started time.Time, outcome *loop.Outcome, log *slog.Logger) string {
	// Success ends any pending retry chain and clears old failures.
	if _, err := o.store.UpdateState(ctx, agentID, func(rt *state.Runtime) {
		if rt.Retry != nil && rt.Retry.ScheduleID != "" {
			o.sched.Cancel(rt.Retry.ScheduleID)
		}
		rt.Retry = nil
		rt.Failure = nil
		rt.LastStatus = string(outcome.Status)
	}); err != nil {
		log.Error("state update failed after run", "error", err)
	}

	if len(outcome.Messages) == 0 {
		return ""
	}

	summary := ""
	if o.summ != nil {
		var err error
		summary, err = o.summ.Summarize(ctx, outcome.Messages)
		if err != nil {
			log.Warn("summary generation failed, archiving without one", "error", err)
		}
	}

	rec := archive.Record{
		ID:        util.NewID(),
		AgentID:   agentID,
		Reason:    archive.Reason(outcome.Status),
		Summary:   summary,
		Messages:  outcome.Messages,
		Usage:     outcome.Usage,
		StartedAt: started,
		EndedAt:   o.now(),
	}
	if err := o.archives.Save(ctx, rec); err != nil {
		log.Error("archive save failed, keeping working history", "error", err)
		return ""
	}
	if err := o.store.ClearHistory(ctx, agentID); err != nil {
		log.Error("history clear failed after archive", "error", err)
	}
	return rec.ID
}

// handleFailure runs the delayed retry tier: schedule the next attempt
// or mark the agent permanently failed once attempts are exhausted.
func (o *Orchestrator) handleFailure(ctx context.Context, trigger Trigger, runErr error, log *slog.Logger) {
	kind := fault.KindOf(runErr)

	rt, err := o.store.LoadState(ctx, trigger.AgentID)
	if err != nil {
		log.Error("state load failed during failure handling", "error", err)
		rt = state.Runtime{}
	}

	attempt := 1
	if rt.Retry != nil {
		attempt = rt.Retry.Attempts + 1
	}

	if !o.retry.Retryable(kind) || attempt > o.retry.MaxAttempts(kind) {
		o.markPermanentFailure(ctx, trigger.AgentID, kind, runErr, log)
		return
	}

	delay := o.retry.Delay(kind, attempt)
	runAt := o.now().Add(delay)
	retryTrigger := Trigger{AgentID: trigger.AgentID, Source: "retry"}

	// Persist the attempt count before the schedule fires, or an
	// early wake-up would restart the chain from attempt one.
	if _, err := o.store.UpdateState(ctx, trigger.AgentID, func(rt *state.Runtime) {
		rt.Retry = &state.RetryInfo{
			Kind:      string(kind),
			Attempts:  attempt,
			NextAt:    runAt,
			LastError: runErr.Error(),
		}
		rt.LastStatus = string(loop.StatusFailed)
	}); err != nil {
		log.Error("retry state update failed", "error", err)
	}

	o.metrics.RecordRetry("delayed", string(kind))
	log.Warn("run failed, retry scheduled",
		"kind", string(kind),
		"attempt", attempt,
		"max_attempts", o.retry.MaxAttempts(kind),
		"delay", delay)

	scheduleID, err := o.sched.At(runAt, func(ctx context.Context) {
		if _, err := o.Run(ctx, retryTrigger); err != nil {
			o.logger.Error("scheduled retry failed to start",
				"agent_id", retryTrigger.AgentID, "error", err)
		}
	})
	if err != nil {
		log.Error("retry scheduling failed", "error", err)
		o.markPermanentFailure(ctx, trigger.AgentID, kind, runErr, log)
		return
	}

	if _, err := o.store.UpdateState(ctx, trigger.AgentID, func(rt *state.Runtime) {
		if rt.Retry != nil && rt.Retry.Attempts == attempt {
			rt.Retry.ScheduleID = scheduleID
		}
	}); err != nil {
		log.Error("retry schedule id update failed", "error", err)
	}
}

func (o *Orchestrator) markPermanentFailure(ctx context.Context, agentID string, kind fault.Kind, runErr error, log *slog.Logger) {
	log.Error("run permanently failed",
		"kind", string(kind), "error", runErr)
	if _, err := o.store.UpdateState(ctx, agentID, func(rt *state.Runtime) {
		rt.Retry = nil
		rt.Failure = &state.FailureInfo{
			Reason:    runErr.Error(),
			Kind:      string(kind),
			Retryable: false,
			At:        o.now(),
		}
		rt.LastStatus = "failed_permanent"
	}); err != nil {
		log.Error("failure state update failed", "error", err)
	}
}

// RequestCancel asks a running agent to stop at the next iteration
// boundary. The in-flight provider call completes first.
func (o *Orchestrator) RequestCancel(ctx context.Context, agentID string) error {
	_, err := o.store.UpdateState(ctx, agentID, func(rt *state.Runtime) {
		rt.CancelRequested = true
	})
	return err
}

// SweepStaleLocks force-releases locks held past the TTL and returns
// how many were reclaimed. Run it periodically from a separate
// process.
func (o *Orchestrator) SweepStaleLocks(ctx context.Context) (int, error) {
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, agentID := range agents {
		rt, err := o.store.LoadState(ctx, agentID)
		if err != nil {
			o.logger.Error("sweep: state load failed", "agent_id", agentID, "error", err)
			continue
		}
		if !rt.Lock.Stale(o.now(), o.lockTTL) {
			continue
		}
		ok, err := o.store.CASLock(ctx, agentID, rt.Lock, nil)
		if err != nil {
			o.logger.Error("sweep: release failed", "agent_id", agentID, "error", err)
			continue
		}
		if ok {
			reclaimed++
			o.logger.Warn("sweep: reclaimed stale lock",
				"agent_id", agentID,
				"holder", rt.Lock.Holder,
				"held_since", rt.Lock.AcquiredAt)
		}
	}
	return reclaimed, nil
}
