package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/sidekick-labs/sidekick/internal/archive"
	"github.com/sidekick-labs/sidekick/internal/config"
	"github.com/sidekick-labs/sidekick/internal/health"
	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/loop"
	"github.com/sidekick-labs/sidekick/internal/orchestrator"
	"github.com/sidekick-labs/sidekick/internal/scheduler"
	"github.com/sidekick-labs/sidekick/internal/secrets"
	"github.com/sidekick-labs/sidekick/internal/state"
	"github.com/sidekick-labs/sidekick/internal/stream"
	"github.com/sidekick-labs/sidekick/internal/telemetry"
	"github.com/sidekick-labs/sidekick/internal/tools"
)

// app holds the wired service graph.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	registry *llm.Registry
	service  *llm.Service
	store    state.Store
	archives archive.Store
	tools    *tools.Registry
	sched    *scheduler.CronScheduler
	events   *stream.Broadcaster
	orch     *orchestrator.Orchestrator

	// baseCtx bounds background runs started by HTTP triggers; it
	// outlives the individual request.
	baseCtx context.Context

	closers []func()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stderr, level)
}

// buildApp wires the full service from config. The returned app's
// Close must be called on shutdown.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	// Resolved API keys must never surface through log output.
	redact := secrets.NewRedactHandler(logger.Handler())
	logger = slog.New(redact)

	a := &app{cfg: cfg, logger: logger, baseCtx: ctx}
	a.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)

	var vault *secrets.VaultResolver
	if cfg.Vault != nil {
		var vaultOpts []secrets.VaultOption
		if cfg.Vault.MountPath != "" {
			vaultOpts = append(vaultOpts, secrets.WithMountPath(cfg.Vault.MountPath))
		}
		vault = secrets.NewVaultResolver(cfg.Vault.Address,
			os.Getenv(cfg.Vault.TokenEnv), vaultOpts...)
	}
	resolver := secrets.NewChain(vault)

	// Provider adapters.
	var regOpts []llm.RegistryOption
	for name, pc := range cfg.Providers {
		key, err := resolveAPIKey(ctx, resolver, pc, logger, name)
		if err != nil {
			return nil, err
		}
		redact.Protect(key)
		switch llm.Provider(name) {
		case llm.ProviderAnthropic:
			regOpts = append(regOpts, llm.WithClient(llm.ProviderAnthropic,
				llm.NewAnthropicClientWithKey(key)))
		case llm.ProviderOpenAI:
			var client *llm.OpenAIClient
			if pc.BaseURL != "" {
				client = llm.NewOpenAICompatibleClient(pc.BaseURL, key)
			} else {
				client = llm.NewOpenAIClient(key)
			}
			regOpts = append(regOpts, llm.WithClient(llm.ProviderOpenAI, client))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	regOpts = append(regOpts, llm.WithClient(llm.ProviderMock, llm.NewMockClient()))

	registry, err := llm.NewRegistry(cfg.BuildRoutes(), regOpts...)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	breaker := health.NewBreaker(health.NewMemoryStore(10*time.Minute), logger,
		health.WithThreshold(cfg.Breaker.FailureThreshold),
		health.WithCooldown(cfg.Breaker.Cooldown.Std()),
		health.WithMetrics(a.metrics))

	a.service = llm.NewService(registry, breaker,
		llm.WithServiceMetrics(a.metrics),
		llm.WithServiceLogger(logger))

	if a.store, err = buildStateStore(ctx, cfg, a); err != nil {
		return nil, err
	}
	if a.archives, err = buildArchiveStore(ctx, cfg, a); err != nil {
		return nil, err
	}
	if a.tools, err = buildTools(ctx, cfg, logger, a); err != nil {
		return nil, err
	}

	a.sched = scheduler.NewCronScheduler(ctx, logger)
	a.closers = append(a.closers, a.sched.Stop)
	a.events = stream.NewBroadcaster()

	retryPolicy := orchestrator.DefaultRetryPolicy()
	retryPolicy.BaseDelay = cfg.Retry.BaseDelay.Std()
	retryPolicy.DelayRule = cfg.Retry.DelayRule
	if err := retryPolicy.Compile(); err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithArchive(a.archives),
		orchestrator.WithSink(a.events),
		orchestrator.WithSystemPrompt(cfg.SystemPrompt),
		orchestrator.WithMaxIterations(cfg.Loop.MaxIterations),
		orchestrator.WithLockTTL(cfg.Lock.TTL.Std()),
		orchestrator.WithRetryPolicy(retryPolicy),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLoopOptions(
			loop.WithRetry(cfg.Loop.ImmediateRetries, cfg.Loop.RetryDelay.Std())),
	}
	if _, ok := cfg.Routes[string(llm.UseCaseSummarize)]; ok {
		orchOpts = append(orchOpts,
			orchestrator.WithSummarizer(archive.NewSummarizer(a.service)))
	}
	a.orch = orchestrator.New(a.store, a.service, a.tools, a.sched, cfg.NodeID, orchOpts...)

	return a, nil
}

// resolveAPIKey resolves a provider credential. An explicit ref that
// fails is fatal; a missing shorthand env var just leaves the provider
// without credentials, since not every configured provider is routed.
func resolveAPIKey(ctx context.Context, resolver secrets.Resolver,
	pc config.ProviderConfig, logger *slog.Logger, provider string) (string, error) {
	ref := pc.APIKeyReference()
	if ref == "" {
		return "", nil
	}
	key, err := resolver.Resolve(ctx, ref)
	if err != nil {
		if pc.APIKeyRef != "" {
			return "", err
		}
		logger.Debug("provider credential not set", "provider", provider, "error", err)
		return "", nil
	}
	return key, nil
}

func buildStateStore(ctx context.Context, cfg *config.Config, a *app) (state.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		store, err := state.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Storage.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return state.NewEtcdStore(client, cfg.Storage.EtcdPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildArchiveStore(ctx context.Context, cfg *config.Config, a *app) (archive.Store, error) {
	switch cfg.Archive.Backend {
	case "none":
		return archive.NoopStore{}, nil
	case "sqlite":
		store, err := archive.NewSQLiteStore(cfg.Archive.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return archive.NewS3Store(client, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

func buildTools(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)
	reg.Register(tools.NewFetchTool())

	for _, sc := range cfg.MCPServers {
		bridge := tools.NewMCPBridge(sc)
		if err := bridge.Connect(ctx); err != nil {
			return nil, err
		}
		if err := bridge.RegisterTools(ctx, reg); err != nil {
			_ = bridge.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = bridge.Close() })
		logger.Info("mcp server connected", "name", sc.Name)
	}
	return reg, nil
}

// applyConfig hot-applies a reloaded config where it can: the route
// table. Structural changes (backends, providers) need a restart.
func (a *app) applyConfig(cfg *config.Config) {
	if err := a.registry.SetRoutes(cfg.BuildRoutes()); err != nil {
		a.logger.Error("route reload rejected", "error", err)
		return
	}
	a.logger.Info("routes reloaded", "routes", len(cfg.Routes))
}

// Close tears the app down in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
