package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/replyloop/replyloop/internal/config"
	"github.com/replyloop/replyloop/internal/engine"
	"github.com/replyloop/replyloop/internal/providers"
	"github.com/replyloop/replyloop/internal/quota"
	"github.com/replyloop/replyloop/internal/schedule"
	"github.com/replyloop/replyloop/internal/senders"
	"github.com/replyloop/replyloop/internal/server"
	"github.com/replyloop/replyloop/internal/store"
	"github.com/replyloop/replyloop/internal/store/pg"
	"github.com/replyloop/replyloop/internal/store/sqlite"
	"github.com/replyloop/replyloop/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and rule engine",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Local secrets file, ignored when absent.
	if err := godotenv.Load(".env.local"); err == nil {
		slog.Debug("loaded .env.local")
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := tracing.Setup(ctx, cfg.Snapshot().Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	if telemetry != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()
	}

	stores, db, err := openStores(cfg)
	if err != nil {
		slog.Error("storage setup failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	generator, err := buildGenerator(cfg)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	registry := senders.NewRegistry(
		senders.NewFacebookSender(),
		senders.NewInstagramSender(),
		senders.NewTelegramSender(),
		senders.NewDiscordSender(),
	)

	extTimeout, maxDelay := cfg.Snapshot().Engine.Durations()
	eng := engine.New(engine.Config{
		Stores:          stores,
		Governor:        quota.NewGovernor(stores.Usage),
		Generator:       generator,
		Senders:         registry,
		ExternalTimeout: extTimeout,
		MaxRuleDelay:    maxDelay,
	})
	sched := schedule.New(stores.Rules, eng)
	srv := server.New(cfg, eng, sched, stores)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gctx)
	})

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func() {
			slog.Info("configuration change applied")
		})
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if cfg.Snapshot().Scheduler.Enabled {
		g.Go(func() error {
			return runSchedulerLoop(gctx, cfg, sched, srv)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// runSchedulerLoop sweeps due time triggers for the configured tenants on
// every tick.
func runSchedulerLoop(ctx context.Context, cfg *config.Config, sched *schedule.Scheduler, srv *server.Server) error {
	interval := time.Minute
	if v := cfg.Snapshot().Scheduler.TickInterval; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, binding := range cfg.Snapshot().Scheduler.Tenants {
				tenantID, err := uuid.Parse(binding.TenantID)
				if err != nil {
					slog.Warn("invalid scheduler tenant id", "value", binding.TenantID)
					continue
				}
				agentID, err := uuid.Parse(binding.AgentID)
				if err != nil {
					slog.Warn("invalid scheduler agent id", "value", binding.AgentID)
					continue
				}
				res := sched.RunDueTimeTriggers(ctx, tenantID, agentID)
				if res.RuleMatched {
					srv.Hub().Broadcast(server.Activity{
						TenantID:       tenantID,
						Source:         "cron",
						OK:             res.OK,
						RuleMatched:    res.RuleMatched,
						ActionExecuted: res.ActionExecuted,
						Outcomes:       res.Outcomes,
						Error:          res.Error,
						At:             time.Now(),
					})
				}
			}
		}
	}
}

// openStores picks Postgres (managed) or SQLite (standalone) per config.
func openStores(cfg *config.Config) (*store.Stores, *sql.DB, error) {
	snap := cfg.Snapshot()
	if cfg.IsManagedMode() {
		slog.Info("storage mode", "mode", "managed")
		return pg.NewPGStores(snap.Database.PostgresDSN)
	}
	path := config.ExpandHome(snap.Database.SQLitePath)
	if path == "" {
		path = "replyloop.db"
	}
	slog.Info("storage mode", "mode", "standalone", "path", path)
	return sqlite.Open(path)
}

// buildGenerator selects the configured AI provider.
func buildGenerator(cfg *config.Config) (providers.Generator, error) {
	snap := cfg.Snapshot()
	switch snap.Providers.Default {
	case "", "anthropic":
		pc := snap.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, fmt.Errorf("REPLYLOOP_ANTHROPIC_API_KEY is not set")
		}
		var opts []providers.AnthropicOption
		if pc.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(pc.Model))
		}
		if pc.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(pc.APIBase))
		}
		return providers.NewAnthropicProvider(pc.APIKey, opts...), nil
	case "openai":
		pc := snap.Providers.OpenAI
		if pc.APIKey == "" {
			return nil, fmt.Errorf("REPLYLOOP_OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, pc.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", snap.Providers.Default)
	}
}
