package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/telemetry"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that
	// trips the circuit.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long an open circuit rejects calls before
	// allowing a single half-open trial.
	DefaultCooldown = 60 * time.Second
)

// Breaker is the per-provider circuit breaker. One Allow decision and
// one Record call bracket every provider attempt. On health store
// errors the breaker fails open: calls are admitted.
type Breaker struct {
	store     Store
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithThreshold overrides the consecutive-failure trip threshold.
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.cooldown = d }
}

// WithMetrics attaches breaker transition metrics.
func WithMetrics(m *telemetry.Metrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a circuit breaker over the given health store.
func NewBreaker(store Store, logger *slog.Logger, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		store:     store,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		logger:    logger,
		now:       time.Now,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) stateGauge(state State) float64 {
	switch state {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Allow decides whether a call to the provider may proceed. A rejection
// is a circuit_open fault: a local admission-control decision, never
// retried by the immediate tier.
func (b *Breaker) Allow(ctx context.Context, provider string) error {
	admitted := false
	rec, err := b.store.Update(ctx, provider, func(r *Record) {
		switch r.State {
		case StateClosed:
			admitted = true
		case StateOpen:
			if b.now().Sub(r.TrippedAt) >= b.cooldown {
				// Cooldown over: exactly one trial call goes through.
				r.State = StateHalfOpen
				r.TrialInFlight = true
				admitted = true
			}
		case StateHalfOpen:
			if !r.TrialInFlight {
				r.TrialInFlight = true
				admitted = true
			}
		}
	})
	if err != nil {
		// Fail open: an unreachable health store must not block calls.
		b.logger.Warn("health store unreachable, admitting call", "provider", provider, "error", err)
		return nil
	}

	b.metrics.RecordBreakerState(provider, b.stateGauge(rec.State))
	if !admitted {
		return fault.New(fault.KindCircuitOpen, "health.breaker", "circuit open for provider %q", provider)
	}
	return nil
}

// RecordSuccess records a successful call, closing the circuit and
// resetting the consecutive failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	rec, err := b.store.Update(ctx, provider, func(r *Record) {
		prev := r.State
		r.Status = StatusHealthy
		r.State = StateClosed
		r.ConsecutiveFailures = 0
		r.LastSuccess = b.now()
		r.TrialInFlight = false
		if prev != StateClosed {
			b.metrics.RecordBreakerTransition(provider, string(StateClosed))
		}
	})
	if err != nil {
		b.logger.Warn("failed to record provider success", "provider", provider, "error", err)
		return
	}
	b.metrics.RecordBreakerState(provider, b.stateGauge(rec.State))
}

// RecordFailure records a failed call. A failed half-open trial reopens
// the circuit and restarts the cooldown clock; in the closed state the
// circuit trips once consecutive failures reach the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) {
	rec, err := b.store.Update(ctx, provider, func(r *Record) {
		r.Status = StatusUnhealthy
		r.ConsecutiveFailures++
		r.LastFailure = b.now()

		switch r.State {
		case StateHalfOpen:
			r.State = StateOpen
			r.TrippedAt = b.now()
			r.TrialInFlight = false
			b.metrics.RecordBreakerTransition(provider, string(StateOpen))
		case StateClosed:
			if r.ConsecutiveFailures >= b.threshold {
				r.State = StateOpen
				r.TrippedAt = b.now()
				b.metrics.RecordBreakerTransition(provider, string(StateOpen))
				b.logger.Warn("circuit tripped",
					"provider", provider,
					"consecutive_failures", r.ConsecutiveFailures)
			}
		}
	})
	if err != nil {
		b.logger.Warn("failed to record provider failure", "provider", provider, "error", err)
		return
	}
	b.metrics.RecordBreakerState(provider, b.stateGauge(rec.State))
}

// Record returns the current health record for a provider.
func (b *Breaker) Record(ctx context.Context, provider string) (Record, bool, error) {
	return b.store.Get(ctx, provider)
}
