package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

// EnvResolver resolves "env(VAR_NAME)" references from the process
// environment.
type EnvResolver struct{}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "env(") || !strings.HasSuffix(ref, ")") {
		return "", fault.New(fault.KindConfig, "secrets.env",
			"malformed reference %q, expected env(VAR_NAME)", ref)
	}

	name := ref[4 : len(ref)-1]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fault.New(fault.KindConfig, "secrets.env",
			"environment variable %q is not set", name)
	}
	return value, nil
}
