// Package config loads and validates the service configuration from
// YAML, with environment variables supplying provider credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sidekick-labs/sidekick/internal/fault"
	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/tools"
)

// Duration parses YAML strings like "60s" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig locates a provider's API key, plus an optional base
// URL override for compatible APIs. APIKeyRef takes a secret reference
// like "env(VAR)" or "vault(path#key)"; APIKeyEnv is shorthand for an
// env ref and is ignored when APIKeyRef is set.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	APIKeyRef string `yaml:"api_key_ref,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// VaultConfig connects the secret resolver to a Vault KV v2 mount. The
// token itself comes from the environment, never the config file.
type VaultConfig struct {
	Address   string `yaml:"address"`
	TokenEnv  string `yaml:"token_env"`
	MountPath string `yaml:"mount_path,omitempty"`
}

// RatesConfig mirrors the per-million-token price card.
type RatesConfig struct {
	InputPerMTok      float64 `yaml:"input_per_mtok"`
	OutputPerMTok     float64 `yaml:"output_per_mtok"`
	CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok,omitempty"`
	CacheWritePerMTok float64 `yaml:"cache_write_per_mtok,omitempty"`
}

// RouteConfig binds a use case to a provider and model.
type RouteConfig struct {
	Provider  string      `yaml:"provider"`
	Model     string      `yaml:"model"`
	MaxTokens int         `yaml:"max_tokens,omitempty"`
	Timeout   Duration    `yaml:"timeout,omitempty"`
	Rates     RatesConfig `yaml:"rates,omitempty"`
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold,omitempty"`
	Cooldown         Duration `yaml:"cooldown,omitempty"`
}

// LoopConfig tunes the agent iteration loop.
type LoopConfig struct {
	MaxIterations    int      `yaml:"max_iterations,omitempty"`
	ImmediateRetries int      `yaml:"immediate_retries,omitempty"`
	RetryDelay       Duration `yaml:"retry_delay,omitempty"`
}

// RetryConfig tunes the delayed retry tier.
type RetryConfig struct {
	BaseDelay Duration `yaml:"base_delay,omitempty"`
	DelayRule string   `yaml:"delay_rule,omitempty"`
}

// LockConfig tunes the execution lock.
type LockConfig struct {
	TTL           Duration `yaml:"ttl,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend       string   `yaml:"backend"` // memory, postgres, etcd
	PostgresDSN   string   `yaml:"postgres_dsn,omitempty"`
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	EtcdPrefix    string   `yaml:"etcd_prefix,omitempty"`
}

// ArchiveConfig selects the archive backend.
type ArchiveConfig struct {
	Backend    string `yaml:"backend"` // none, sqlite, s3
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	S3Bucket   string `yaml:"s3_bucket,omitempty"`
	S3Prefix   string `yaml:"s3_prefix,omitempty"`
}

// CheckinConfig schedules periodic autonomous runs for an agent.
type CheckinConfig struct {
	AgentID string `yaml:"agent_id"`
	Cron    string `yaml:"cron"`
	Input   string `yaml:"input,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	NodeID       string                    `yaml:"node_id,omitempty"`
	SystemPrompt string                    `yaml:"system_prompt,omitempty"`
	Server       ServerConfig              `yaml:"server,omitempty"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Vault        *VaultConfig              `yaml:"vault,omitempty"`
	Routes       map[string]RouteConfig    `yaml:"routes"`
	Breaker      BreakerConfig             `yaml:"breaker,omitempty"`
	Loop         LoopConfig                `yaml:"loop,omitempty"`
	Retry        RetryConfig               `yaml:"retry,omitempty"`
	Lock         LockConfig                `yaml:"lock,omitempty"`
	Storage      StorageConfig             `yaml:"storage,omitempty"`
	Archive      ArchiveConfig             `yaml:"archive,omitempty"`
	Checkins     []CheckinConfig           `yaml:"checkins,omitempty"`
	MCPServers   []tools.MCPServerConfig   `yaml:"mcp_servers,omitempty"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "config.load", err)
	}
	return Parse(data)
}

// Parse decodes config YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.KindConfig, "config.parse", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "sidekick"
		}
		c.NodeID = host
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = Duration(60 * time.Second)
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 50
	}
	if c.Loop.ImmediateRetries == 0 {
		c.Loop.ImmediateRetries = 2
	}
	if c.Loop.RetryDelay == 0 {
		c.Loop.RetryDelay = Duration(1500 * time.Millisecond)
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(10 * time.Second)
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = Duration(30 * time.Minute)
	}
	if c.Lock.SweepInterval == 0 {
		c.Lock.SweepInterval = Duration(5 * time.Minute)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
	if c.Archive.Backend == "sqlite" && c.Archive.SQLitePath == "" {
		c.Archive.SQLitePath = "data/archive.db"
	}
}

// Validate rejects configs a server could not run with.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return fault.New(fault.KindConfig, "config.validate", "no routes configured")
	}
	for useCase, route := range c.Routes {
		if route.Provider == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"route %s: provider is required", useCase)
		}
		if route.Model == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"route %s: model is required", useCase)
		}
		if route.Provider != string(llm.ProviderMock) {
			if _, ok := c.Providers[route.Provider]; !ok {
				return fault.New(fault.KindConfig, "config.validate",
					"route %s: unknown provider %q", useCase, route.Provider)
			}
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"storage: postgres_dsn is required for the postgres backend")
		}
	case "etcd":
		if len(c.Storage.EtcdEndpoints) == 0 {
			return fault.New(fault.KindConfig, "config.validate",
				"storage: etcd_endpoints are required for the etcd backend")
		}
	default:
		return fault.New(fault.KindConfig, "config.validate",
			"storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case "none", "sqlite":
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"archive: s3_bucket is required for the s3 backend")
		}
	default:
		return fault.New(fault.KindConfig, "config.validate",
			"archive: unknown backend %q", c.Archive.Backend)
	}
	if c.Vault != nil {
		if c.Vault.Address == "" || c.Vault.TokenEnv == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"vault: address and token_env are required")
		}
	}
	for name, pc := range c.Providers {
		if strings.HasPrefix(pc.APIKeyRef, "vault(") && c.Vault == nil {
			return fault.New(fault.KindConfig, "config.validate",
				"provider %s: api_key_ref needs a vault section", name)
		}
	}
	for i, checkin := range c.Checkins {
		if checkin.AgentID == "" || checkin.Cron == "" {
			return fault.New(fault.KindConfig, "config.validate",
				"checkins[%d]: agent_id and cron are required", i)
		}
	}
	return nil
}

// BuildRoutes converts the route table for the adapter registry.
func (c *Config) BuildRoutes() map[llm.UseCase]llm.Route {
	routes := make(map[llm.UseCase]llm.Route, len(c.Routes))
	for useCase, rc := range c.Routes {
		routes[llm.UseCase(useCase)] = llm.Route{
			Provider:  llm.Provider(rc.Provider),
			Model:     rc.Model,
			MaxTokens: rc.MaxTokens,
			Timeout:   rc.Timeout.Std(),
			Rates: llm.Rates{
				InputPerMTok:      rc.Rates.InputPerMTok,
				OutputPerMTok:     rc.Rates.OutputPerMTok,
				CacheReadPerMTok:  rc.Rates.CacheReadPerMTok,
				CacheWritePerMTok: rc.Rates.CacheWritePerMTok,
			},
		}
	}
	return routes
}

// APIKey resolves a provider's key from the environment.
func (c *Config) APIKey(provider string) string {
	pc, ok := c.Providers[provider]
	if !ok || pc.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(pc.APIKeyEnv)
}

// APIKeyReference returns a provider's secret reference, deriving an
// env ref from api_key_env when no explicit ref is configured. Empty
// when the provider carries no credential at all.
func (p ProviderConfig) APIKeyReference() string {
	if p.APIKeyRef != "" {
		return p.APIKeyRef
	}
	if p.APIKeyEnv != "" {
		return fmt.Sprintf("env(%s)", p.APIKeyEnv)
	}
	return ""
}
