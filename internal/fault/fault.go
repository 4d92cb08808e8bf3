// Package fault defines the error taxonomy shared across the agent
// execution core. Errors carry an explicit Kind tag so that retry tiers
// classify failures without matching on concrete error types.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry and escalation decisions.
type Kind string

const (
	// KindNone marks an error that carries no classification.
	KindNone Kind = ""

	// KindCircuitOpen is a local admission-control rejection. It is never
	// retried at the immediate tier; the caller should try again later.
	KindCircuitOpen Kind = "circuit_open"

	// KindRateLimit is a provider 429. Only the delayed tier retries it.
	KindRateLimit Kind = "rate_limit"

	// KindNetwork covers connection failures and timeouts. Retried at
	// both tiers.
	KindNetwork Kind = "network"

	// KindMalformed marks a provider response the adapter could not
	// parse. Treated as transient (often an API hiccup).
	KindMalformed Kind = "malformed_response"

	// KindConfig marks an unresolvable provider/model configuration.
	// Fatal, never retried.
	KindConfig Kind = "configuration"

	// KindTool marks a tool dispatch failure. Handled per-call inside
	// the loop and never escalated past it.
	KindTool Kind = "tool_execution"

	// KindOther covers everything else reaching the delayed tier.
	KindOther Kind = "other"
)

// Error is a classified error with an operation prefix.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, unwrapping as needed.
// Unclassified context and net errors are mapped to KindNetwork;
// anything else unclassified is KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindOther
}

// TransientForLoop reports whether the immediate retry tier inside the
// core loop should retry this kind. Circuit rejections and rate limits
// are excluded: retrying them instantly cannot succeed.
func TransientForLoop(kind Kind) bool {
	return kind == KindNetwork || kind == KindMalformed
}

// Terminal reports whether the kind can never succeed on retry.
func Terminal(kind Kind) bool {
	return kind == KindConfig
}
