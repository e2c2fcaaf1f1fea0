package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/metrics"
	"github.com/lattice-dev/lattice/internal/server"
	"github.com/lattice-dev/lattice/internal/telemetry"
	"github.com/lattice-dev/lattice/internal/webhook"
)

const (
	auditJobTimeout = 2 * time.Minute
	skillJobTimeout = 5 * time.Minute
	sweepJobTimeout = time.Minute
)

func runServe(args []string) {
	cfg, configPath := loadConfig("serve", args)
	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	c.configPath = configPath
	defer func() { _ = c.closeKV() }()

	c.executor.Start(ctx)
	c.supervisor.Start(ctx)
	defer c.supervisor.Shutdown()
	metrics.NewCollector(c.metrics, c.bus, logger.Named("metrics")).Start(ctx)

	wh := webhook.NewHandler(cfg.GitHub.WebhookSecret, c.pipeline, logger.Named("webhook")).
		WithMetrics(c.metrics)

	sched := cron.New()
	schedule := func(name, spec string, job func()) {
		if spec == "" {
			return
		}
		if _, err := sched.AddFunc(spec, job); err != nil {
			logger.Fatal("bad schedule", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
		}
		logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	}
	schedule("fleet_audit", cfg.Schedules.FleetAudit, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, auditJobTimeout)
		defer jobCancel()
		if _, err := c.supervisor.RunAudit(jobCtx); err != nil {
			logger.Warn("fleet audit incomplete", zap.Error(err))
		}
	})
	schedule("credential_sync", cfg.Schedules.CredentialSync, c.syncCredentials)
	if len(cfg.Skills.Refs) > 0 {
		schedule("skill_sync", cfg.Schedules.SkillSync, func() {
			jobCtx, jobCancel := context.WithTimeout(ctx, skillJobTimeout)
			defer jobCancel()
			if _, err := c.syncer.Sync(jobCtx, c.cfg.Skills.Refs); err != nil {
				logger.Warn("skill sync incomplete", zap.Error(err))
			}
		})
	}
	schedule("outbox_sweep", cfg.Schedules.OutboxSweep, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, sweepJobTimeout)
		defer jobCancel()
		if _, err := c.executor.SweepOutbox(jobCtx); err != nil {
			logger.Warn("outbox sweep incomplete", zap.Error(err))
		}
	})
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Options{
		ListenAddr:        cfg.ListenAddr,
		InstanceName:      cfg.InstanceName,
		OperatorTokenHash: cfg.OperatorTokenHash,
	}, c.pipeline, c.runs, c.executor, c.supervisor, c.auditLog, logger.Named("server")).
		WithMetricsHandler(c.metrics.Handler()).
		WithWebhook(wh).
		WithHealthMonitor(c.health)

	logger.Info("lattice control plane starting",
		zap.String("version", version),
		zap.Int("fleet", len(cfg.Fleet)),
		zap.Bool("sprites_live", cfg.SpritesLive()),
		zap.Bool("github_live", cfg.GitHub.Token != ""),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runAudit(args []string) {
	cfg, _ := loadConfig("audit", args)
	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), auditJobTimeout)
	defer cancel()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	defer func() { _ = c.closeKV() }()

	c.supervisor.Start(ctx)
	defer c.supervisor.Shutdown()

	summary, err := c.supervisor.RunAudit(ctx)
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runCron executes every scheduled job once, for deployments that drive
// periodic work from an external scheduler instead of the in-process one.
func runCron(args []string) {
	cfg, configPath := loadConfig("cron", args)
	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	c.configPath = configPath
	defer func() { _ = c.closeKV() }()

	c.supervisor.Start(ctx)
	defer c.supervisor.Shutdown()

	failed := false

	auditCtx, auditCancel := context.WithTimeout(ctx, auditJobTimeout)
	if _, err := c.supervisor.RunAudit(auditCtx); err != nil {
		logger.Error("fleet audit failed", zap.Error(err))
		failed = true
	}
	auditCancel()

	c.syncCredentials()

	if len(cfg.Skills.Refs) > 0 {
		skillCtx, skillCancel := context.WithTimeout(ctx, skillJobTimeout)
		if _, err := c.syncer.Sync(skillCtx, cfg.Skills.Refs); err != nil {
			logger.Error("skill sync failed", zap.Error(err))
			failed = true
		}
		skillCancel()
	}

	sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepJobTimeout)
	if _, err := c.executor.SweepOutbox(sweepCtx); err != nil {
		logger.Error("outbox sweep failed", zap.Error(err))
		failed = true
	}
	sweepCancel()

	if failed {
		os.Exit(1)
	}
}
