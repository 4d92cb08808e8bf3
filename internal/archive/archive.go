// Package archive stores completed session transcripts with an LLM
// generated summary, so cleared working history remains recoverable.
package archive

import (
	"context"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// Reason records why a session was archived.
type Reason string

const (
	ReasonCompleted     Reason = "completed"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonCanceled      Reason = "canceled"
	ReasonFailed        Reason = "failed"
)

// Record is one archived session.
type Record struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Reason    Reason         `json:"reason"`
	Summary   string         `json:"summary,omitempty"`
	Messages  []llm.Message  `json:"messages"`
	Usage     llm.TokenUsage `json:"usage"`
	Cost      float64        `json:"cost"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Store persists archived sessions.
type Store interface {
	// Save writes one record.
	Save(ctx context.Context, rec Record) error

	// Recent returns up to limit records for an agent, newest first.
	Recent(ctx context.Context, agentID string, limit int) ([]Record, error)
}

// NoopStore discards archives. Used when archiving is disabled.
type NoopStore struct{}

func (NoopStore) Save(context.Context, Record) error { return nil }

func (NoopStore) Recent(context.Context, string, int) ([]Record, error) { return nil, nil }
