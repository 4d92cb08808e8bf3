// Package state persists per-agent runtime state: the execution lock,
// retry bookkeeping, cancellation flags, and conversation history.
package state

import (
	"context"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// LockInfo identifies the process currently executing an agent.
type LockInfo struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stale reports whether the lock has exceeded ttl as of now. Stale
// locks belong to crashed runs and may be stolen.
func (l *LockInfo) Stale(now time.Time, ttl time.Duration) bool {
	return l != nil && now.Sub(l.AcquiredAt) > ttl
}

// RetryInfo tracks the delayed retry tier for an agent whose last run
// failed.
type RetryInfo struct {
	Kind       string    `json:"kind"`
	Attempts   int       `json:"attempts"`
	NextAt     time.Time `json:"next_at"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// FailureInfo records a terminal failure after the delayed retry tier
// gave up. It stays visible until the next successful run.
type FailureInfo struct {
	Reason    string    `json:"reason"`
	Kind      string    `json:"kind"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// ScheduleInfo records the agent's periodic check-in schedule.
type ScheduleInfo struct {
	Cron      string    `json:"cron,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Runtime is the full mutable runtime state of one agent.
type Runtime struct {
	Lock            *LockInfo     `json:"lock,omitempty"`
	Retry           *RetryInfo    `json:"retry,omitempty"`
	Failure         *FailureInfo  `json:"failure,omitempty"`
	Schedule        *ScheduleInfo `json:"schedule,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	LastStatus      string        `json:"last_status,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Store persists agent runtime state and history.
//
// CASLock is the concurrency primitive the orchestrator's at-most-one
// guarantee rests on: the lock moves from expected to next atomically,
// where a nil expected means "currently unheld" and a nil next
// releases. Implementations must make concurrent claims with the same
// expected value succeed for exactly one caller.
type Store interface {
	// LoadState returns the agent's runtime state, zero-valued if the
	// agent has none yet.
	LoadState(ctx context.Context, agentID string) (Runtime, error)

	// UpdateState applies fn to the agent's state atomically and
	// returns the result. fn must not touch the Lock field; the lock
	// moves only through CASLock.
	UpdateState(ctx context.Context, agentID string, fn func(*Runtime)) (Runtime, error)

	// CASLock atomically replaces the lock if it currently equals
	// expected (matched by holder; nil means unheld). Returns false
	// without error when the comparison fails.
	CASLock(ctx context.Context, agentID string, expected, next *LockInfo) (bool, error)

	// AppendHistory appends entries to the agent's conversation
	// history in order.
	AppendHistory(ctx context.Context, agentID string, entries []llm.Message) error

	// History returns the agent's full history in append order.
	History(ctx context.Context, agentID string) ([]llm.Message, error)

	// ClearHistory removes the agent's history, typically after
	// archiving.
	ClearHistory(ctx context.Context, agentID string) error

	// ListAgents returns the IDs of all agents with state.
	ListAgents(ctx context.Context) ([]string, error)
}

// lockMatches compares a stored lock against the expected one by
// holder identity.
func lockMatches(current, expected *LockInfo) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return current.Holder == expected.Holder
}
