package llm

import (
	"sync"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderMock      Provider = "mock"
)

// UseCase names a call site routed through the registry. Each use case
// maps to one provider, model, and rate card.
type UseCase string

const (
	// UseCaseAgentTurn is the main ReAct loop call.
	UseCaseAgentTurn UseCase = "agent_turn"
	// UseCaseSummarize is the session-archiving summary call.
	UseCaseSummarize UseCase = "summarize"
	// UseCaseHealthProbe is a short-timeout connectivity probe.
	UseCaseHealthProbe UseCase = "health_probe"
)

// Route is the resolved adapter configuration for one use case.
type Route struct {
	Provider  Provider      `json:"provider"`
	Model     string        `json:"model"`
	Rates     Rates         `json:"rates"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// Registry resolves which adapter and model serve a given use case.
// Clients are injected at construction; routes may be replaced at
// runtime for config hot reload.
type Registry struct {
	mu      sync.RWMutex
	clients map[Provider]Client
	routes  map[UseCase]Route
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClient registers an adapter for a provider.
func WithClient(p Provider, c Client) RegistryOption {
	return func(r *Registry) { r.clients[p] = c }
}

// NewRegistry creates a registry with the given adapters and routes.
// Route validity is checked eagerly so misconfiguration fails at
// startup, not on first call.
func NewRegistry(routes map[UseCase]Route, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		clients: make(map[Provider]Client),
		routes:  make(map[UseCase]Route),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.SetRoutes(routes); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRoutes validates and atomically replaces the routing table.
func (r *Registry) SetRoutes(routes map[UseCase]Route) error {
	validated := make(map[UseCase]Route, len(routes))
	r.mu.Lock()
	defer r.mu.Unlock()

	for uc, route := range routes {
		if route.Model == "" {
			return fault.New(fault.KindConfig, "llm.registry", "use case %q: empty model", uc)
		}
		if _, ok := r.clients[route.Provider]; !ok {
			return fault.New(fault.KindConfig, "llm.registry", "use case %q: no adapter for provider %q", uc, route.Provider)
		}
		if route.MaxTokens <= 0 {
			route.MaxTokens = 4096
		}
		if route.Timeout <= 0 {
			route.Timeout = 120 * time.Second
		}
		validated[uc] = route
	}

	r.routes = validated
	return nil
}

// Resolve returns the adapter and route for a use case. Unknown use
// cases and providers surface as configuration errors: fatal, never
// retried.
func (r *Registry) Resolve(useCase UseCase) (Client, Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[useCase]
	if !ok {
		return nil, Route{}, fault.New(fault.KindConfig, "llm.registry", "no route for use case %q", useCase)
	}
	client, ok := r.clients[route.Provider]
	if !ok {
		return nil, Route{}, fault.New(fault.KindConfig, "llm.registry", "no adapter for provider %q", route.Provider)
	}
	return client, route, nil
}
