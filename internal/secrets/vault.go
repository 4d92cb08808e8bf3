package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

// DefaultVaultCacheTTL bounds how long a resolved secret is reused
// before the server is consulted again.
const DefaultVaultCacheTTL = 5 * time.Minute

// VaultResolver resolves "vault(path#key)" references against a Vault
// KV v2 mount. Resolved values are cached.
type VaultResolver struct {
	address   string
	token     string
	mountPath string
	cacheTTL  time.Duration

	client *http.Client
	mu     sync.RWMutex
	cache  map[string]vaultEntry
}

type vaultEntry struct {
	value   string
	expires time.Time
}

// VaultOption customizes a VaultResolver.
type VaultOption func(*VaultResolver)

// WithMountPath overrides the KV v2 mount path (default "secret").
func WithMountPath(path string) VaultOption {
	return func(v *VaultResolver) { v.mountPath = path }
}

// WithCacheTTL overrides the secret cache lifetime.
func WithCacheTTL(ttl time.Duration) VaultOption {
	return func(v *VaultResolver) { v.cacheTTL = ttl }
}

// NewVaultResolver creates a resolver for a Vault-compatible KV store.
func NewVaultResolver(address, token string, opts ...VaultOption) *VaultResolver {
	v := &VaultResolver{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		mountPath: "secret",
		cacheTTL:  DefaultVaultCacheTTL,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     make(map[string]vaultEntry),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Resolve implements Resolver. The ref format is "vault(path#key)";
// without a #key the "value" key is read.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "vault(") || !strings.HasSuffix(ref, ")") {
		return "", fault.New(fault.KindConfig, "secrets.vault",
			"malformed reference %q, expected vault(path#key)", ref)
	}

	inner := ref[6 : len(ref)-1]
	path, key := inner, "value"
	if idx := strings.Index(inner, "#"); idx >= 0 {
		path, key = inner[:idx], inner[idx+1:]
	}

	cacheKey := path + "#" + key
	v.mu.RLock()
	if entry, ok := v.cache[cacheKey]; ok && time.Now().Before(entry.expires) {
		v.mu.RUnlock()
		return entry.value, nil
	}
	v.mu.RUnlock()

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[cacheKey] = vaultEntry{value: value, expires: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *VaultResolver) fetch(ctx context.Context, path, key string) (string, error) {
	// KV v2 read: GET /v1/{mount}/data/{path}
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mountPath, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fault.Wrap(fault.KindConfig, "secrets.vault", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindNetwork, "secrets.vault", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.KindNetwork, "secrets.vault", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.KindConfig, "secrets.vault",
			"read %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fault.Wrap(fault.KindMalformed, "secrets.vault", err)
	}

	val, ok := result.Data.Data[key]
	if !ok {
		return "", fault.New(fault.KindConfig, "secrets.vault",
			"key %q not found in secret at %s", key, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fault.New(fault.KindConfig, "secrets.vault",
			"key %q at %s is not a string", key, path)
	}
	return s, nil
}
