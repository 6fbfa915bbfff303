package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// cronCmd sweeps due time triggers once and exits. Meant for external
// schedulers that run the binary instead of calling the HTTP endpoint.
func cronCmd() *cobra.Command {
	var tenantFlag, agentFlag string

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run due time-trigger rules once",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			res := sched.RunDueTimeTriggers(ctx, tenantID, agentID)
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
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("agent")
	return cmd
}
