package orchestrator

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

// DefaultRetryBase is the delayed-tier base delay.
const DefaultRetryBase = 10 * time.Second

// RetryPolicy decides whether and when a failed run gets another
// attempt. Attempt caps and delay multipliers vary by error kind:
// rate limits get more, slower attempts; generic failures get fewer.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Attempts    map[fault.Kind]int
	Multipliers map[fault.Kind]float64

	// DelayRule optionally overrides the delay computation with an
	// expression over kind, attempt, and base_seconds, evaluating to
	// the delay in seconds.
	DelayRule string

	program *vm.Program
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: DefaultRetryBase,
		Attempts: map[fault.Kind]int{
			fault.KindRateLimit: 5,
			fault.KindNetwork:   3,
		},
		Multipliers: map[fault.Kind]float64{
			fault.KindRateLimit: 6,
			fault.KindNetwork:   1,
		},
	}
}

// defaultAttempts applies to kinds without an explicit cap.
const defaultAttempts = 2

// defaultMultiplier applies to kinds without an explicit multiplier.
const defaultMultiplier = 3

type delayEnv struct {
	Kind        string  `expr:"kind"`
	Attempt     int     `expr:"attempt"`
	BaseSeconds float64 `expr:"base_seconds"`
}

// Compile prepares the custom delay rule, if any.
func (p *RetryPolicy) Compile() error {
	if p.DelayRule == "" {
		return nil
	}
	program, err := expr.Compile(p.DelayRule, expr.Env(delayEnv{}), expr.AsFloat64())
	if err != nil {
		return fault.Wrap(fault.KindConfig, "retry.compile",
			fmt.Errorf("delay rule: %w", err))
	}
	p.program = program
	return nil
}

// MaxAttempts returns the attempt cap for a kind.
func (p *RetryPolicy) MaxAttempts(kind fault.Kind) int {
	if n, ok := p.Attempts[kind]; ok {
		return n
	}
	return defaultAttempts
}

// Delay returns how long to wait before the given attempt (1-based).
func (p *RetryPolicy) Delay(kind fault.Kind, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryBase
	}

	if p.program != nil {
		out, err := expr.Run(p.program, delayEnv{
			Kind:        string(kind),
			Attempt:     attempt,
			BaseSeconds: base.Seconds(),
		})
		if err == nil {
			if secs, ok := out.(float64); ok && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
		// A broken rule falls through to the built-in computation.
	}

	mult, ok := p.Multipliers[kind]
	if !ok {
		mult = defaultMultiplier
	}
	return time.Duration(float64(base) * mult)
}

// Retryable reports whether the kind participates in the delayed tier
// at all. Configuration errors are terminal: retrying cannot fix them.
func (p *RetryPolicy) Retryable(kind fault.Kind) bool {
	return !fault.Terminal(kind)
}
