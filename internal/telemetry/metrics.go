package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the agent core. A nil
// *Metrics is valid and records nothing, so components can treat
// metrics as optional.
type Metrics struct {
	llmCalls     *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
	retries      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	lockDenied   prometheus.Counter
}

// NewMetrics registers the agent core collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_llm_calls_total",
			Help: "LLM provider calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sidekick_llm_call_duration_seconds",
			Help:    "Wall-clock LLM call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_llm_tokens_total",
			Help: "Tokens consumed by provider and type.",
		}, []string{"provider", "type"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_llm_cost_usd_total",
			Help: "Accumulated LLM spend in dollars.",
		}, []string{"provider", "model"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sidekick_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"provider", "to"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_retries_total",
			Help: "Retry attempts by tier and error kind.",
		}, []string{"tier", "kind"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_agent_runs_total",
			Help: "Agent runs by terminal status.",
		}, []string{"status"}),
		lockDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "sidekick_lock_denied_total",
			Help: "Run triggers refused because the agent was already running.",
		}),
	}
}

// RecordLLMCall records one completed provider call.
func (m *Metrics) RecordLLMCall(provider, model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, model, status).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTokens records token consumption for one call.
func (m *Metrics) RecordTokens(provider string, input, output, cacheRead, cacheWrite int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "input").Add(float64(input))
	m.tokens.WithLabelValues(provider, "output").Add(float64(output))
	m.tokens.WithLabelValues(provider, "cache_read").Add(float64(cacheRead))
	m.tokens.WithLabelValues(provider, "cache_write").Add(float64(cacheWrite))
}

// RecordCost records rounded dollar spend for one call.
func (m *Metrics) RecordCost(provider, model string, cost float64) {
	if m == nil {
		return
	}
	m.cost.WithLabelValues(provider, model).Add(cost)
}

// RecordBreakerState records the current circuit state for a provider.
func (m *Metrics) RecordBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(state)
}

// RecordBreakerTransition records a circuit state transition.
func (m *Metrics) RecordBreakerTransition(provider, to string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(provider, to).Inc()
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry(tier, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(tier, kind).Inc()
}

// RecordRun records an agent run reaching a terminal status.
func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// RecordLockDenied records a trigger refused due to lock contention.
func (m *Metrics) RecordLockDenied() {
	if m == nil {
		return
	}
	m.lockDenied.Inc()
}
