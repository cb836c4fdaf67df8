// Package main is the entry point for the Threadbox orchestrator.
// The single binary runs the Discord adapter, the turn pipeline, the
// background reconciler, and the admin HTTP API together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadbox/threadbox/internal/agentapi"
	"github.com/threadbox/threadbox/internal/api"
	"github.com/threadbox/threadbox/internal/common/config"
	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/discord"
	"github.com/threadbox/threadbox/internal/events/bus"
	"github.com/threadbox/threadbox/internal/history"
	"github.com/threadbox/threadbox/internal/pipeline"
	"github.com/threadbox/threadbox/internal/provision"
	"github.com/threadbox/threadbox/internal/reconcile"
	"github.com/threadbox/threadbox/internal/sandbox"
	"github.com/threadbox/threadbox/internal/session/store"
	"github.com/threadbox/threadbox/internal/thread"
	"github.com/threadbox/threadbox/internal/tracing"
	"github.com/threadbox/threadbox/internal/turnrouter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Threadbox...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Mirror lifecycle and turn events into the log so operators can follow
	// them without an external consumer.
	logEvent := func(ctx context.Context, ev *bus.Event) error {
		log.Info("Event",
			zap.String("type", ev.Type),
			zap.String("source", ev.Source),
			zap.Any("data", ev.Data))
		return nil
	}
	for _, subject := range []string{"session.>", "turn.>"} {
		if _, err := eventBus.Subscribe(subject, logEvent); err != nil {
			log.Warn("Event log subscription failed", zap.String("subject", subject), zap.Error(err))
		}
	}

	// Session store.
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer st.Close()
	log.Info("Session store ready", zap.String("db_path", cfg.Database.Path))

	// Sandbox provider and agent protocol client.
	sandboxes := sandbox.NewSpritesAPI(cfg.Sandbox.Token, cfg.Sandbox.AgentPort, log)
	defer sandboxes.Close()
	agentClient := agentapi.NewClient(log)

	prov := provision.NewProvisioner(st, sandboxes, agentClient, eventBus, provision.Config{
		CreationTimeout:      cfg.Sandbox.CreationTimeout(),
		StartupHealthTimeout: cfg.Health.StartupTimeout(),
		ResumeHealthTimeout:  cfg.Health.ResumeTimeout(),
		ActiveCheckTimeout:   cfg.Health.ActiveCheckTimeout(),
		ReusePolicy:          cfg.Sandbox.ReusePolicy,
		AgentPort:            cfg.Sandbox.AgentPort,
		AgentRepo:            cfg.Sandbox.AgentRepo,
		AgentModel:           cfg.Sandbox.AgentModel,
	}, log)

	// Discord adapter: inbox, outbox, thread resolver, and history fetcher.
	adapter := discord.NewAdapter(discord.AdapterConfig{
		Token:     cfg.Discord.Token,
		BotUserID: cfg.Discord.BotUserID,
		BotRoleID: cfg.Discord.BotRoleID,
		Intents:   cfg.Discord.Intents,
	}, st, log)

	rehydrator := history.NewRehydrator(adapter, 0, log)
	router := turnrouter.New(turnrouter.Mode(cfg.Routing.Mode), nil, log)

	entities := thread.NewEntities(st, prov, agentClient, rehydrator, eventBus, cfg.Sandbox.IdleTimeout(), log)
	defer entities.Close()

	pipe := pipeline.New(pipeline.Config{
		BotUserID:  cfg.Discord.BotUserID,
		BotRoleID:  cfg.Discord.BotRoleID,
		AgentModel: cfg.Sandbox.AgentModel,
	}, adapter, adapter, adapter, router, entities, st, pipeline.NewDedup(cfg.Dedup.Capacity), log)

	// Background sweep: an active session is stale once it has outlived the
	// idle timeout plus the grace window.
	staleAfter := cfg.Sandbox.IdleTimeout() +
		time.Duration(cfg.Cleanup.StaleActiveGraceMinutes)*time.Minute
	reconciler := reconcile.New(st, entities, reconcile.Config{
		Interval:         cfg.Cleanup.Interval(),
		StaleActiveAfter: staleAfter,
		PausedTTL:        time.Duration(cfg.Cleanup.PausedTTLMinutes) * time.Minute,
	}, log)

	adminAPI := api.NewServer(entities, st, log)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(gctx) })
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return adminAPI.Serve(gctx, adminAddr) })

	log.Info("Threadbox running",
		zap.String("admin_api", adminAddr),
		zap.String("routing_mode", cfg.Routing.Mode),
		zap.String("reuse_policy", cfg.Sandbox.ReusePolicy))

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Service exited", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Threadbox stopped")
}
