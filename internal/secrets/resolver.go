// Package secrets resolves provider credentials from references like
// "env(VAR)" or "vault(path#key)", and scrubs resolved values from log
// output so an API key never leaks through structured logging.
package secrets

import (
	"context"
	"strings"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

// Resolver turns a secret reference into its value. The ref format
// selects the backend: "env(VAR_NAME)" or "vault(path#key)".
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Chain dispatches refs to the resolver matching their scheme.
type Chain struct {
	env   *EnvResolver
	vault *VaultResolver
}

// NewChain builds a resolver over the environment, plus Vault when a
// VaultResolver is configured (vault may be nil).
func NewChain(vault *VaultResolver) *Chain {
	return &Chain{env: NewEnvResolver(), vault: vault}
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env("):
		return c.env.Resolve(ctx, ref)
	case strings.HasPrefix(ref, "vault("):
		if c.vault == nil {
			return "", fault.New(fault.KindConfig, "secrets.resolve",
				"ref %q needs a vault section in the config", ref)
		}
		return c.vault.Resolve(ctx, ref)
	default:
		return "", fault.New(fault.KindConfig, "secrets.resolve",
			"unsupported secret reference %q", ref)
	}
}
