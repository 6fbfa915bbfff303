package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/replyloop/replyloop/internal/config"
	"github.com/replyloop/replyloop/internal/engine"
	"github.com/replyloop/replyloop/internal/quota"
	"github.com/replyloop/replyloop/internal/schedule"
	"github.com/replyloop/replyloop/internal/senders"
)

// triggerCmd fires one manual-trigger rule from the command line.
func triggerCmd() *cobra.Command {
	var tenantFlag, agentFlag, recipientFlag string

	cmd := &cobra.Command{
		Use:   "trigger <rule-id>",
		Short: "Fire a manual-trigger rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid rule id: %w", err)
			}
			tenantID, err := uuid.Parse(tenantFlag)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			agentID, err := uuid.Parse(agentFlag)
			if err != nil {
				return fmt.Errorf("invalid --agent: %w", err)
			}

			sched, cleanup, err := buildScheduler()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			res := sched.RunManualTrigger(ctx, tenantID, agentID, ruleID, recipientFlag)
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if !res.OK {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&agentFlag, "agent", "", "agent id (required)")
	cmd.Flags().StringVar(&recipientFlag, "recipient", "", "platform recipient id for the send")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("agent")
	return cmd
}

// buildScheduler wires a full engine for the one-shot CLI paths.
func buildScheduler() (*schedule.Scheduler, func(), error) {
	if err := godotenv.Load(".env.local"); err == nil {
		slog.Debug("loaded .env.local")
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	stores, db, err := openStores(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open stores: %w", err)
	}

	generator, err := buildGenerator(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
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
	return schedule.New(stores.Rules, eng), func() { db.Close() }, nil
}
