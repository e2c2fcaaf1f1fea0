package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/capability"
	"github.com/lattice-dev/lattice/internal/config"
	"github.com/lattice-dev/lattice/internal/executor"
	"github.com/lattice-dev/lattice/internal/fleet"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/kv"
	"github.com/lattice-dev/lattice/internal/metrics"
	"github.com/lattice-dev/lattice/internal/safety"
	"github.com/lattice-dev/lattice/internal/skills"
)

// components holds the assembled control plane. Every subcommand builds
// the same graph; serve additionally runs the server and schedules.
type components struct {
	cfg        config.Config
	configPath string
	logger     *zap.Logger
	bus        *bus.Bus
	metrics    *metrics.Metrics
	backend    kv.Store
	closeKV    func() error
	registry   *capability.Registry
	dispatcher *capability.Dispatcher
	auditLog   *safety.Log
	store      *intent.Store
	pipeline   *intent.Pipeline
	runs       *executor.RunStore
	executor   *executor.Executor
	supervisor *fleet.Supervisor
	health     *fleet.HealthMonitor
	syncer     *skills.Syncer
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*components, error) {
	m := metrics.New()
	b := bus.New(256, logger.Named("bus"))
	b.OnDrop(m.ObserveBusDrop)

	var backend kv.Store = kv.NewMemory()
	closeKV := func() error { return nil }
	if cfg.HasDatabase() {
		pg, err := kv.NewPostgres(ctx, cfg.DatabaseURL, logger.Named("kv"))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		backend = pg
		closeKV = pg.Close
		logger.Info("postgres store opened")
	} else {
		logger.Warn("no DATABASE_URL, state is in-memory only")
	}

	policy, err := cfg.LoadPolicy()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	gate := safety.NewGate(policy.Gate, policy.Rules)
	auditLog := safety.NewLog(1024, b)

	registry := capability.NewRegistry(logger.Named("capability"))
	applyCapabilities(cfg, registry, logger)

	store := intent.NewStore(backend)
	pipeline := intent.NewPipeline(
		intent.NewLifecycle(store, b, logger.Named("intent")),
		gate, logger.Named("pipeline"))

	dispatcher := capability.NewDispatcher(registry, gate, auditLog, logger.Named("dispatch")).
		WithProposer(pipeline).
		WithMetrics(m)

	runs := executor.NewRunStore(backend)
	exec := executor.New(dispatcher, pipeline, runs, b, logger.Named("executor")).
		WithMetrics(m)

	supervisor := fleet.NewSupervisor(fleet.DefaultConfig(), dispatcher, b, logger.Named("fleet"))
	for _, id := range cfg.Fleet {
		supervisor.Add(id, capability.StateReady)
	}

	registryClient := skills.NewRegistryClient().
		WithAuth(cfg.Skills.RegistryUser, cfg.Skills.RegistryPassword).
		WithPlainHTTP(cfg.Skills.PlainHTTP)

	return &components{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		metrics:    m,
		backend:    backend,
		closeKV:    closeKV,
		registry:   registry,
		dispatcher: dispatcher,
		auditLog:   auditLog,
		store:      store,
		pipeline:   pipeline,
		runs:       runs,
		executor:   exec,
		supervisor: supervisor,
		health:     fleet.NewHealthMonitor(pipeline, b, logger.Named("health")),
		syncer:     skills.NewSyncer(registryClient, dispatcher, logger.Named("skills")),
	}, nil
}

// applyCapabilities installs live clients where credentials exist and
// stubs elsewhere. Safe to call again after a credential rotation; the
// registry swaps implementations atomically.
func applyCapabilities(cfg config.Config, registry *capability.Registry, logger *zap.Logger) {
	if cfg.SpritesLive() {
		registry.SetSprites(capability.NewSpritesClient(cfg.Sprites.APIBase, cfg.Sprites.APIToken, logger.Named("sprites")))
	} else {
		registry.SetSprites(capability.NewSpritesStub())
	}
	// The GitHub client authenticates with a token; app-credential-only
	// configs stay on the stub until a token is minted for them.
	if cfg.GitHub.Token != "" {
		registry.SetGitHub(capability.NewGitHubClient(cfg.GitHub.Token, logger.Named("github")))
	} else {
		registry.SetGitHub(capability.NewGitHubStub())
	}
	if cfg.FlyLive() {
		registry.SetFly(capability.NewFlyClient(cfg.FlyAPIToken, logger.Named("fly")))
	} else {
		registry.SetFly(capability.NewFlyStub())
	}
	registry.SetSecrets(capability.NewEnvSecrets(""))
}

// syncCredentials re-reads configuration from its original sources and
// swaps capability implementations when credentials changed.
func (c *components) syncCredentials() {
	fresh, err := config.Load(c.configPath)
	if err != nil {
		c.logger.Warn("credential sync: config reload failed", zap.Error(err))
		return
	}
	if fresh.Sprites == c.cfg.Sprites && fresh.GitHub == c.cfg.GitHub &&
		fresh.FlyApp == c.cfg.FlyApp && fresh.FlyAPIToken == c.cfg.FlyAPIToken {
		return
	}
	c.cfg.Sprites = fresh.Sprites
	c.cfg.GitHub = fresh.GitHub
	c.cfg.FlyApp = fresh.FlyApp
	c.cfg.FlyAPIToken = fresh.FlyAPIToken
	applyCapabilities(c.cfg, c.registry, c.logger)
	c.logger.Info("capability credentials rotated")
}

// loadConfig parses the subcommand flags and loads configuration.
// LATTICE_CONFIG sets the default -config path.
func loadConfig(name string, args []string) (config.Config, string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LATTICE_CONFIG"), "path to JSON config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg, *configPath
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q\n", level)
			os.Exit(1)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return logger
}
